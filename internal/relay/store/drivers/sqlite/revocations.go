package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/relay/internal/relay/domain"
)

type revocationsRepo struct {
	db *sql.DB
}

const insertRevocation = `
INSERT INTO revocations (id, token_id, token_class, subject, fingerprint, revoked_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (token_class, fingerprint) DO NOTHING`

func (r *revocationsRepo) CreateRevocation(ctx context.Context, rev domain.Revocation) error {
	_, err := r.db.ExecContext(ctx, insertRevocation,
		rev.ID,
		rev.TokenID,
		string(rev.Class),
		rev.Subject,
		rev.Fingerprint,
		rev.RevokedAt.Unix(),
		rev.ExpiresAt.Unix(),
	)
	return err
}

const listRevocationsBySubject = `
SELECT id, token_id, token_class, subject, fingerprint, revoked_at, expires_at
FROM revocations
WHERE subject = ?
ORDER BY revoked_at DESC, id DESC
LIMIT ?`

func (r *revocationsRepo) ListRevocationsBySubject(
	ctx context.Context,
	subject string,
	limit int,
) ([]domain.Revocation, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, listRevocationsBySubject, subject, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Revocation
	for rows.Next() {
		var (
			rev                  domain.Revocation
			class                string
			revokedAt, expiresAt int64
		)
		if err := rows.Scan(&rev.ID, &rev.TokenID, &class, &rev.Subject, &rev.Fingerprint, &revokedAt, &expiresAt); err != nil {
			return nil, err
		}
		rev.Class = domain.TokenClass(class)
		rev.RevokedAt = time.Unix(revokedAt, 0).UTC()
		rev.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		out = append(out, rev)
	}
	return out, rows.Err()
}

func (r *revocationsRepo) DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM revocations WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
