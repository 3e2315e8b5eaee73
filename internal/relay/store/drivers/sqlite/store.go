package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aussiebroadwan/relay/internal/relay/store"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite database at dsn. Use FileDSN to build a DSN from
// a path.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// A single writer avoids SQLITE_BUSY under concurrent revocations.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// FileDSN returns a DSN for a database file with WAL and a busy timeout.
func FileDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
}

func (s *Store) Revocations() store.Revocations { return &revocationsRepo{db: s.db} }

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
