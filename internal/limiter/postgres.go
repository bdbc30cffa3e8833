package limiter

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter implementation with sliding window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over any pool or transaction.
func NewPG(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// Allow reports whether scanning is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, subject string, srcHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM scan_limiter WHERE subject=$1 AND src_hash=$2`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, subject, srcHash).Scan(&blockedUntil)
	switch err {
	case nil:
		if now := l.now(); blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case pgx.ErrNoRows:
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (subject, source).
func (l *PG) Success(ctx context.Context, subject string, srcHash []byte) error {
	const q = `
INSERT INTO scan_limiter (subject, src_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,0,'epoch',now())
ON CONFLICT (subject, src_hash)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, subject, srcHash)
	return err
}

// Failure records a rejected scan; may set a block until a future time.
func (l *PG) Failure(ctx context.Context, subject string, srcHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO scan_limiter (subject, src_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (subject, src_hash) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - scan_limiter.updated_at > $3::interval THEN 1 ELSE scan_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, subject, srcHash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const upd = `UPDATE scan_limiter SET blocked_until=$3 WHERE subject=$1 AND src_hash=$2`
	if _, err := l.pool.Exec(ctx, upd, subject, srcHash, l.now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
