package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/relay/internal/relay/domain"
)

var ErrNotFound = errors.New("store: not found")

// Store is the root data access interface for the revocation audit log.
// Concrete drivers live under drivers/.
type Store interface {
	Revocations() Revocations

	ApplyMigrations() error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Revocations is the append-only record of explicit token revocations. The
// live revocation state is held by the revocation cache; this log exists for
// audit and outlives cache restarts until the tokens expire.
type Revocations interface {
	// CreateRevocation records r. Recording the same token twice is not an
	// error; the first row wins.
	CreateRevocation(ctx context.Context, r domain.Revocation) error

	// ListRevocationsBySubject returns the newest rows for subject first.
	ListRevocationsBySubject(ctx context.Context, subject string, limit int) ([]domain.Revocation, error)

	// DeleteExpiredRevocations removes rows whose token expired before now
	// and returns how many were deleted.
	DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error)
}
