package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RateRepository is a sliding-window counter over timestamped hits,
// sharing the pipeline's durable store. The count-and-insert is a single
// statement: the hit is only recorded when it fits under the limit, so
// concurrent callers cannot overshoot by racing between count and insert.
// A sliding window avoids the fixed-window boundary burst (2x the limit
// around a window edge).
type RateRepository struct {
	db *sql.DB
}

func NewRateRepository(db *sql.DB) *RateRepository {
	return &RateRepository{db: db}
}

func (r *RateRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026082305)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS rate_hits (
	key TEXT NOT NULL,
	hit_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rate_hits_key ON rate_hits(key, hit_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute rate schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Allow records a hit and returns true iff the trailing window still has
// room. A false return never blocks; callers surface it as 429.
func (r *RateRepository) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
WITH current AS (
	SELECT count(*) AS n FROM rate_hits WHERE key = $1 AND hit_at > $2
), recorded AS (
	INSERT INTO rate_hits (key, hit_at)
	SELECT $1, $3 FROM current WHERE current.n < $4
	RETURNING 1
)
SELECT EXISTS (SELECT 1 FROM recorded)
`, key, now.Add(-window), now, limit)

	var allowed bool
	if err := row.Scan(&allowed); err != nil {
		return false, fmt.Errorf("rate allow: %w", err)
	}
	return allowed, nil
}

// Prune drops hits that fell out of every window; windows advance, they
// never accumulate indefinitely.
func (r *RateRepository) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	result, err := r.db.ExecContext(ctx, `
DELETE FROM rate_hits WHERE hit_at < $1
`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune rate hits: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return int(rows), nil
}
