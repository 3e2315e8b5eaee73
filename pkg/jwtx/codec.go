package jwtx

import (
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/relay/pkg/clock"
	"github.com/golang-jwt/jwt/v5"
)

// Algorithm is the only signing method the codec produces or accepts.
const Algorithm = "HS256"

var (
	ErrMalformed    = errors.New("jwtx: malformed token")
	ErrAlgMismatch  = errors.New("jwtx: algorithm mismatch")
	ErrInvalidSig   = errors.New("jwtx: invalid signature")
	ErrExpired      = errors.New("jwtx: token expired")
	ErrNotYetValid  = errors.New("jwtx: token not yet valid")
	ErrInvalidClaim = errors.New("jwtx: invalid claims")
	ErrEmptySecret  = errors.New("jwtx: empty signing secret")
)

// Codec signs and verifies HMAC tokens. The secret is supplied per call so
// one codec serves every token class.
type Codec struct {
	// Clock supplies "now" for iat/exp/nbf. Defaults to the real clock.
	Clock clock.Clock

	// Leeway tolerates small clock skew when checking exp and nbf.
	Leeway time.Duration
}

// NewCodec returns a Codec using clk, or the real clock when clk is nil.
func NewCodec(clk clock.Clock) *Codec {
	if clk == nil {
		clk = clock.Real()
	}
	return &Codec{Clock: clk}
}

// Now returns the time the codec checks tokens against.
func (c *Codec) Now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock.Now()
}

// Issue stamps iat, exp, nbf and a fresh jti onto claims and signs them.
// A NotBefore already set on claims is kept as long as it is not after the
// issue time. It returns the token together with the claims it carries.
func (c *Codec) Issue(claims Claims, secret []byte, ttl time.Duration) (string, Claims, error) {
	if len(secret) == 0 {
		return "", Claims{}, ErrEmptySecret
	}
	if ttl <= 0 {
		return "", Claims{}, fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalidClaim, ttl)
	}

	now := c.Now().Truncate(time.Second)
	claims = claims.Clone()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if claims.NotBefore == nil {
		claims.NotBefore = jwt.NewNumericDate(now)
	} else if claims.NotBefore.After(now) {
		return "", Claims{}, fmt.Errorf("%w: nbf after iat", ErrInvalidClaim)
	}
	claims.ID = NewJTI()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("jwtx: sign: %w", err)
	}
	return token, claims, nil
}

// Verify checks the signature and the validity window of token.
func (c *Codec) Verify(token string, secret []byte) (Claims, error) {
	claims, err := c.Decode(token, secret)
	if err != nil {
		return Claims{}, err
	}

	now := c.Now()
	if now.After(claims.ExpiresAt.Add(c.Leeway)) {
		return Claims{}, ErrExpired
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Add(-c.Leeway)) {
		return Claims{}, ErrNotYetValid
	}
	return claims, nil
}

// Decode checks only the signature of token and returns its claims, whether
// or not the token is inside its validity window.
func (c *Codec) Decode(token string, secret []byte) (Claims, error) {
	if len(secret) == 0 {
		return Claims{}, ErrEmptySecret
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	var claims Claims
	_, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		// Checked here rather than with WithValidMethods so a foreign alg,
		// "none" included, is reported as such and not as a bad signature.
		if t.Method == nil || t.Method.Alg() != Algorithm {
			return nil, ErrAlgMismatch
		}
		return secret, nil
	})
	if err != nil {
		return Claims{}, classify(err)
	}

	// Every token this service deals with is time bounded.
	if claims.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: missing exp", ErrInvalidClaim)
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrInvalidSig, err)
	case errors.Is(err, ErrAlgMismatch):
		return err
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %w", ErrAlgMismatch, err)
	default:
		return fmt.Errorf("jwtx: parse or verify: %w", err)
	}
}
