// Package revocation records tokens that must be refused before their natural
// expiry. Records live in a TTL cache keyed by token class and raw token, and
// disappear on their own once the token would have expired anyway.
//
// Lookups fail open: if the cache is disabled or unreachable a token is
// reported as not revoked, trading strictness for availability.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/relay/internal/relay/domain"
	"github.com/aussiebroadwan/relay/internal/relay/metrics"
	"github.com/aussiebroadwan/relay/pkg/clock"
	"github.com/aussiebroadwan/relay/pkg/jwtx"
	"github.com/aussiebroadwan/relay/pkg/slogx"
)

// ErrUnavailable is returned by Revoke when no cache is configured.
var ErrUnavailable = errors.New("revocation: store unavailable")

const (
	accessKeyPrefix  = "invalidAccessTokens"
	refreshKeyPrefix = "invalidRefreshTokens"
)

// Key returns the cache key for a token of the given class.
func Key(class domain.TokenClass, token string) string {
	if class == domain.ClassRefresh {
		return refreshKeyPrefix + ":" + token
	}
	return accessKeyPrefix + ":" + token
}

// Cache is the minimal key/TTL contract the store needs from its backend.
type Cache interface {
	Exists(ctx context.Context, key string) (bool, error)
	// SetNX writes key only if absent, reporting whether it wrote.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Outcome describes what a successful Revoke did.
type Outcome int

const (
	// Failed accompanies a non-nil error.
	Failed Outcome = iota
	// Revoked means a new record was written.
	Revoked
	// AlreadyRevoked means a live record already existed.
	AlreadyRevoked
	// AlreadyExpired means the token had no lifetime left, so nothing was written.
	AlreadyExpired
)

func (o Outcome) String() string {
	switch o {
	case Revoked:
		return "revoked"
	case AlreadyRevoked:
		return "already_revoked"
	case AlreadyExpired:
		return "already_expired"
	default:
		return "failed"
	}
}

// Store applies the revocation policy on top of a Cache. A Store with a nil
// cache is disabled.
type Store struct {
	cache   Cache
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Store)

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

// New returns a Store over cache. Pass a nil cache to disable revocation.
func New(cache Cache, opts ...Option) *Store {
	s := &Store{
		cache:  cache,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether a backing cache is configured.
func (s *Store) Enabled() bool { return s.cache != nil }

// IsRevoked reports whether token has a live revocation record. Cache errors
// and a disabled store both yield false.
func (s *Store) IsRevoked(ctx context.Context, class domain.TokenClass, token string) bool {
	if s.cache == nil {
		s.metrics.RevocationOp("lookup", "disabled")
		return false
	}

	found, err := s.cache.Exists(ctx, Key(class, token))
	if err != nil {
		s.metrics.RevocationOp("lookup", "error")
		s.log(ctx).Warn("revocation lookup failed, allowing token",
			"class", class, "err", err)
		return false
	}

	if found {
		s.metrics.RevocationOp("lookup", "hit")
	} else {
		s.metrics.RevocationOp("lookup", "miss")
	}
	return found
}

// Revoke records token as revoked until claims.ExpiresAt. The record value is
// the token id. A token past its expiry is a successful no-op.
func (s *Store) Revoke(ctx context.Context, class domain.TokenClass, token string, claims jwtx.Claims) (Outcome, error) {
	if claims.ExpiresAt == nil {
		return Failed, fmt.Errorf("revocation: token has no expiry")
	}

	remaining := claims.ExpiresAt.Sub(s.clock.Now())
	if remaining <= 0 {
		s.metrics.RevocationOp("revoke", AlreadyExpired.String())
		return AlreadyExpired, nil
	}

	if s.cache == nil {
		s.metrics.RevocationOp("revoke", "disabled")
		return Failed, ErrUnavailable
	}

	created, err := s.cache.SetNX(ctx, Key(class, token), claims.ID, remaining)
	if err != nil {
		s.metrics.RevocationOp("revoke", "error")
		return Failed, fmt.Errorf("revocation: write %s record: %w", class, err)
	}

	outcome := Revoked
	if !created {
		outcome = AlreadyRevoked
	}
	s.metrics.RevocationOp("revoke", outcome.String())
	return outcome, nil
}

// Ping checks the backing cache. A disabled store reports ErrUnavailable.
func (s *Store) Ping(ctx context.Context) error {
	if s.cache == nil {
		return ErrUnavailable
	}
	return s.cache.Ping(ctx)
}

// Close releases the backing cache.
func (s *Store) Close() error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Close()
}

func (s *Store) log(ctx context.Context) *slog.Logger {
	if l := slogx.FromContext(ctx); l != slog.Default() {
		return l
	}
	return s.logger
}
