package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aussiebroadwan/relay/internal/relay/domain"
	"github.com/aussiebroadwan/relay/internal/relay/metrics"
	"github.com/aussiebroadwan/relay/internal/relay/revocation"
	"github.com/aussiebroadwan/relay/internal/relay/store"
	"github.com/aussiebroadwan/relay/pkg/clock"
	"github.com/aussiebroadwan/relay/pkg/cryptox"
	"github.com/aussiebroadwan/relay/pkg/idx"
	"github.com/aussiebroadwan/relay/pkg/jwtx"
	"github.com/aussiebroadwan/relay/pkg/slogx"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultAccessTTL  = 1800 * time.Second
	DefaultRefreshTTL = 2592000 * time.Second
)

var (
	ErrMissingSubject      = errors.New("service: subject is required")
	ErrReservedClaim       = errors.New("service: claim name is reserved")
	ErrUndecodableToken    = errors.New("service: token cannot be decoded")
	ErrRevocationFailed    = errors.New("service: revocation failed")
	ErrInvalidRefreshToken = errors.New("service: invalid refresh token")
)

// RevocationPolicy decides what a failed revocation write means to callers.
type RevocationPolicy string

const (
	// PolicyBestEffort reports logout as done even when the record could not
	// be written. The failure is logged and counted.
	PolicyBestEffort RevocationPolicy = "best-effort"
	// PolicyStrict surfaces the failure so the caller can retry.
	PolicyStrict RevocationPolicy = "strict"
)

func (p RevocationPolicy) Strict() bool { return p == PolicyStrict }

// IssueRequest describes a token to mint. Empty Issuer and Audience fall back
// to the service defaults.
type IssueRequest struct {
	Subject   string
	SessionID string
	Extra     map[string]any
	Issuer    string
	Audience  []string
}

// TokenService issues, validates and revokes tokens. It is the only place
// authentication decisions are made; the HTTP API and the realtime gateway
// both go through it.
type TokenService struct {
	Codec       *jwtx.Codec
	Secrets     Secrets
	Revocations *revocation.Store
	Audit       store.Revocations // optional
	Clock       clock.Clock
	Issuer      string
	Audience    string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	Policy      RevocationPolicy
	Metrics     *metrics.Metrics
}

func (s *TokenService) IssueAccessToken(ctx context.Context, req IssueRequest) (domain.IssuedToken, error) {
	return s.issue(ctx, domain.ClassAccess, req)
}

func (s *TokenService) IssueRefreshToken(ctx context.Context, req IssueRequest) (domain.IssuedToken, error) {
	return s.issue(ctx, domain.ClassRefresh, req)
}

// IssuePair mints an access and a refresh token sharing one session id. A
// session id is generated when req has none.
func (s *TokenService) IssuePair(ctx context.Context, req IssueRequest) (access, refresh domain.IssuedToken, err error) {
	if req.SessionID == "" {
		req.SessionID = idx.Prefixed("sid").String()
	}

	access, err = s.IssueAccessToken(ctx, req)
	if err != nil {
		return domain.IssuedToken{}, domain.IssuedToken{}, err
	}
	refresh, err = s.IssueRefreshToken(ctx, req)
	if err != nil {
		return domain.IssuedToken{}, domain.IssuedToken{}, err
	}
	return access, refresh, nil
}

func (s *TokenService) issue(ctx context.Context, class domain.TokenClass, req IssueRequest) (domain.IssuedToken, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		return domain.IssuedToken{}, ErrMissingSubject
	}
	for name := range req.Extra {
		if jwtx.IsReserved(name) {
			return domain.IssuedToken{}, fmt.Errorf("%w: %q", ErrReservedClaim, name)
		}
	}

	secret, err := s.Secrets.For(class)
	if err != nil {
		return domain.IssuedToken{}, err
	}

	issuer := req.Issuer
	if issuer == "" {
		issuer = s.Issuer
	}
	audience := req.Audience
	if len(audience) == 0 && s.Audience != "" {
		audience = []string{s.Audience}
	}

	claims := jwtx.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   issuer,
			Audience: audience,
		},
		SID:   req.SessionID,
		Extra: req.Extra,
	}

	token, issued, err := s.codec().Issue(claims, secret, s.ttl(class))
	if err != nil {
		return domain.IssuedToken{}, fmt.Errorf("issue %s token: %w", class, err)
	}

	s.Metrics.TokenIssued(string(class))
	slogx.FromContext(ctx).Debug("token issued",
		slog.String("class", string(class)),
		slog.String("sub", subject),
		slog.String("jti", issued.ID),
	)

	return domain.IssuedToken{
		TokenID:   issued.ID,
		Token:     token,
		Class:     class,
		SessionID: issued.SID,
		ExpiresAt: issued.ExpiresAt.Time,
	}, nil
}

// Validate checks token as class. The revocation store is consulted only for
// tokens that are authentic and inside their validity window, and a store
// that cannot answer lets the token through.
func (s *TokenService) Validate(ctx context.Context, token string, class domain.TokenClass) domain.Verdict {
	l := slogx.FromContext(ctx)

	secret, err := s.Secrets.For(class)
	if err != nil {
		v := verdictFor(err)
		s.Metrics.TokenValidated(string(class), string(v.ErrorKind))
		return v
	}

	claims, err := s.codec().Verify(token, secret)
	if err != nil {
		v := verdictFor(err)
		s.Metrics.TokenValidated(string(class), string(v.ErrorKind))
		l.Debug("token rejected",
			slog.String("class", string(class)),
			slog.String("reason", v.Reason),
			slogx.Token(token),
		)
		return v
	}

	if s.Revocations != nil && s.Revocations.IsRevoked(ctx, class, token) {
		s.Metrics.TokenValidated(string(class), string(domain.ErrorKindLoggedOut))
		l.Debug("token revoked",
			slog.String("class", string(class)),
			slog.String("jti", claims.ID),
		)
		return domain.Verdict{
			ErrorKind: domain.ErrorKindLoggedOut,
			Message:   domain.MessageLoggedOut,
			Reason:    "revoked",
		}
	}

	s.Metrics.TokenValidated(string(class), "valid")
	return domain.Verdict{
		Valid:   true,
		Claims:  &claims,
		Message: domain.MessageValid,
	}
}

// Invalidate revokes token until its natural expiry. Revoking an expired or
// already revoked token succeeds without writing anything.
func (s *TokenService) Invalidate(ctx context.Context, token string, class domain.TokenClass) error {
	_, err := s.invalidate(ctx, token, class)
	return err
}

func (s *TokenService) invalidate(ctx context.Context, token string, class domain.TokenClass) (revocation.Outcome, error) {
	l := slogx.FromContext(ctx)

	secret, err := s.Secrets.For(class)
	if err != nil {
		return revocation.Failed, err
	}

	claims, err := s.codec().Decode(token, secret)
	if err != nil {
		l.Info("refusing to revoke undecodable token",
			slog.String("class", string(class)),
			slogx.Token(token),
			slog.Any("err", err),
		)
		return revocation.Failed, fmt.Errorf("%w: %w", ErrUndecodableToken, err)
	}

	if s.Revocations == nil {
		return revocation.Failed, fmt.Errorf("%w: %w", ErrRevocationFailed, revocation.ErrUnavailable)
	}

	outcome, err := s.Revocations.Revoke(ctx, class, token, claims)
	if err != nil {
		l.Warn("token revocation failed",
			slog.String("class", string(class)),
			slog.String("jti", claims.ID),
			slog.String("policy", string(s.Policy)),
			slog.Any("err", err),
		)
		return revocation.Failed, fmt.Errorf("%w: %w", ErrRevocationFailed, err)
	}

	l.Info("token revoked",
		slog.String("class", string(class)),
		slog.String("jti", claims.ID),
		slog.String("outcome", outcome.String()),
	)

	if outcome == revocation.Revoked {
		s.audit(ctx, class, token, claims)
	}
	return outcome, nil
}

// Refresh rotates refreshToken: a new pair is issued for the same subject and
// session, and the presented token is revoked. Presenting a refresh token that
// was already rotated fails.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (access, refresh domain.IssuedToken, err error) {
	v := s.Validate(ctx, refreshToken, domain.ClassRefresh)
	if !v.Valid {
		return domain.IssuedToken{}, domain.IssuedToken{}, fmt.Errorf("%w: %s", ErrInvalidRefreshToken, v.Message)
	}

	outcome, err := s.invalidate(ctx, refreshToken, domain.ClassRefresh)
	switch {
	case err != nil && s.Policy.Strict():
		return domain.IssuedToken{}, domain.IssuedToken{}, err
	case err != nil:
		slogx.FromContext(ctx).Warn("rotating refresh token without revoking it", slog.Any("err", err))
	case outcome == revocation.AlreadyRevoked:
		// Lost a race with a concurrent rotation of the same token.
		return domain.IssuedToken{}, domain.IssuedToken{}, fmt.Errorf("%w: %s", ErrInvalidRefreshToken, domain.MessageLoggedOut)
	}

	claims := v.Claims
	return s.IssuePair(ctx, IssueRequest{
		Subject:   claims.Subject,
		SessionID: claims.SID,
		Extra:     claims.Extra,
		Issuer:    claims.Issuer,
		Audience:  claims.Audience,
	})
}

func (s *TokenService) audit(ctx context.Context, class domain.TokenClass, token string, claims jwtx.Claims) {
	if s.Audit == nil {
		return
	}

	rev := domain.Revocation{
		ID:          idx.Prefixed("rev").String(),
		TokenID:     claims.ID,
		Class:       class,
		Subject:     claims.Subject,
		Fingerprint: cryptox.FingerprintToken(token),
		RevokedAt:   s.Now(),
		ExpiresAt:   claims.ExpiresAt.Time,
	}
	if err := s.Audit.CreateRevocation(ctx, rev); err != nil {
		slogx.FromContext(ctx).Error("failed to record revocation",
			slog.String("jti", claims.ID),
			slog.Any("err", err),
		)
	}
}

// RevocationsBySubject returns the audit trail for subject, newest first.
func (s *TokenService) RevocationsBySubject(ctx context.Context, subject string, limit int) ([]domain.Revocation, error) {
	if s.Audit == nil {
		return nil, nil
	}
	return s.Audit.ListRevocationsBySubject(ctx, subject, limit)
}

func (s *TokenService) codec() *jwtx.Codec {
	if s.Codec == nil {
		return jwtx.NewCodec(s.Clock)
	}
	return s.Codec
}

// Now is the service's notion of the current time.
func (s *TokenService) Now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return s.codec().Now()
}

func (s *TokenService) ttl(class domain.TokenClass) time.Duration {
	if class == domain.ClassRefresh {
		if s.RefreshTTL > 0 {
			return s.RefreshTTL
		}
		return DefaultRefreshTTL
	}
	if s.AccessTTL > 0 {
		return s.AccessTTL
	}
	return DefaultAccessTTL
}

// verdictFor maps a codec error onto the verdict vocabulary.
func verdictFor(err error) domain.Verdict {
	switch {
	case errors.Is(err, jwtx.ErrExpired):
		return domain.Verdict{ErrorKind: domain.ErrorKindExpired, Message: domain.MessageExpired, Reason: "expired"}
	case errors.Is(err, jwtx.ErrNotYetValid):
		return domain.Verdict{ErrorKind: domain.ErrorKindNotActive, Message: domain.MessageNotActive, Reason: "not_yet_valid"}
	case errors.Is(err, jwtx.ErrMalformed):
		return domain.Verdict{ErrorKind: domain.ErrorKindInvalid, Message: domain.MessageInvalid, Reason: "malformed"}
	case errors.Is(err, jwtx.ErrInvalidSig):
		return domain.Verdict{ErrorKind: domain.ErrorKindInvalid, Message: domain.MessageInvalid, Reason: "signature_invalid"}
	case errors.Is(err, jwtx.ErrAlgMismatch):
		return domain.Verdict{ErrorKind: domain.ErrorKindInvalid, Message: domain.MessageInvalid, Reason: "algorithm_mismatch"}
	case errors.Is(err, jwtx.ErrInvalidClaim):
		return domain.Verdict{ErrorKind: domain.ErrorKindInvalid, Message: domain.MessageInvalid, Reason: "invalid_claims"}
	default:
		return domain.Verdict{ErrorKind: domain.ErrorKindError, Message: domain.MessageError, Reason: "error"}
	}
}
