package domain

import (
	"fmt"
	"time"

	"github.com/aussiebroadwan/relay/pkg/jwtx"
)

// TokenClass separates access and refresh tokens. Each class has its own
// secret, lifetime and revocation key space.
type TokenClass string

const (
	ClassAccess  TokenClass = "access"
	ClassRefresh TokenClass = "refresh"
)

// ParseTokenClass accepts the class names plus the RFC 7009 style hints.
func ParseTokenClass(s string) (TokenClass, error) {
	switch s {
	case "access", "access_token":
		return ClassAccess, nil
	case "refresh", "refresh_token":
		return ClassRefresh, nil
	default:
		return "", fmt.Errorf("unknown token class %q", s)
	}
}

// ErrorKind is the machine readable reason a token failed validation.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindExpired   ErrorKind = "JWTExpired"
	ErrorKindNotActive ErrorKind = "JWTNotActive"
	ErrorKindInvalid   ErrorKind = "JWTInvalid"
	ErrorKindLoggedOut ErrorKind = "JWTLoggedOut" // explicitly revoked
	ErrorKindError     ErrorKind = "JWTError"
)

const (
	MessageValid     = "Token is valid."
	MessageExpired   = "Token has already expired."
	MessageNotActive = "Token not active yet."
	MessageInvalid   = "Token is malformed or signature failed."
	MessageLoggedOut = "Token has already been signed out."
	MessageError     = "Token validation failed."
)

// Verdict is the outcome of validating a token. It is a value, not an error:
// validation failures never cross the service boundary as errors.
type Verdict struct {
	Valid     bool         `json:"valid"`
	Claims    *jwtx.Claims `json:"claims,omitempty"`
	ErrorKind ErrorKind    `json:"errorKind,omitempty"`
	Message   string       `json:"message"`

	// Reason narrows ErrorKind for logs, e.g. "malformed" vs
	// "signature_invalid" under JWTInvalid.
	Reason string `json:"-"`
}

// IssuedToken is what issuing hands back to the caller.
type IssuedToken struct {
	TokenID   string     `json:"token_id"`
	Token     string     `json:"token"`
	Class     TokenClass `json:"class"`
	SessionID string     `json:"session_id,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// TokenPair is an access token together with its refresh token.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"` // seconds until the access token expires
	SessionID    string `json:"session_id,omitempty"`
}

// Revocation is an audit entry for an explicit revocation.
type Revocation struct {
	ID          string
	TokenID     string
	Class       TokenClass
	Subject     string
	Fingerprint string // base64url SHA-256 of the raw token
	RevokedAt   time.Time
	ExpiresAt   time.Time
}

// NewTokenPair assembles the response form of an issued access/refresh pair.
func NewTokenPair(access, refresh IssuedToken, sessionID string, now time.Time) TokenPair {
	return TokenPair{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(access.ExpiresAt.Sub(now).Seconds()),
		SessionID:    sessionID,
	}
}
