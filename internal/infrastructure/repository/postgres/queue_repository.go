package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
)

// QueueRepository is the durable broker. Claims go through a single
// FOR UPDATE SKIP LOCKED statement so exactly one caller receives a given
// pending item; every state transition appends a queue_transitions row
// with a monotonic sequence number.
type QueueRepository struct {
	db     *sql.DB
	policy domain.RetryPolicy
}

func NewQueueRepository(db *sql.DB, policy domain.RetryPolicy) *QueueRepository {
	return &QueueRepository{db: db, policy: policy.Normalize()}
}

func (r *QueueRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026082301)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS queue_items (
	id TEXT PRIMARY KEY,
	queue_name TEXT NOT NULL,
	task_kind TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}'::jsonb,
	state TEXT NOT NULL,
	priority INT NOT NULL DEFAULT 0,
	attempt_count INT NOT NULL DEFAULT 0,
	available_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	claimed_by TEXT NOT NULL DEFAULT '',
	claimed_at TIMESTAMPTZ,
	lease_expires_at TIMESTAMPTZ,
	last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_queue_items_claim
	ON queue_items(queue_name, state, priority DESC, available_at ASC);
CREATE INDEX IF NOT EXISTS idx_queue_items_lease
	ON queue_items(lease_expires_at) WHERE state = 'claimed';

CREATE TABLE IF NOT EXISTS queue_transitions (
	seq BIGSERIAL PRIMARY KEY,
	item_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	worker_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_transitions_item ON queue_transitions(item_id, seq);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute queue schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *QueueRepository) Enqueue(ctx context.Context, queue string, kind domain.TaskKind, payload []byte, priority int, delay time.Duration) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO queue_items (id, queue_name, task_kind, payload, state, priority, attempt_count, available_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8)
`, id, queue, string(kind), payload, string(domain.QueuePending), priority, now.Add(delay), now)
	if err != nil {
		return "", fmt.Errorf("insert queue item: %w", err)
	}
	if err := logTransition(ctx, tx, id, "", domain.QueuePending, "", "enqueued"); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit enqueue tx: %w", err)
	}
	return id, nil
}

func (r *QueueRepository) Claim(ctx context.Context, queues []string, workerID string, lease time.Duration) (*domain.QueueItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `
WITH next AS (
	SELECT id FROM queue_items
	WHERE queue_name = ANY($1::text[]) AND state = $2 AND available_at <= now()
	ORDER BY priority DESC, available_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE queue_items q
SET state = $3, claimed_by = $4, claimed_at = now(), lease_expires_at = now() + $5 * INTERVAL '1 second'
FROM next
WHERE q.id = next.id
RETURNING q.id, q.queue_name, q.task_kind, q.payload, q.state, q.priority, q.attempt_count,
	q.available_at, q.created_at, q.claimed_by, q.claimed_at, q.last_error
`, queueNames(queues), string(domain.QueuePending), string(domain.QueueClaimed), workerID, lease.Seconds())

	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tx.Commit()
		}
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	if err := logTransition(ctx, tx, item.ID, domain.QueuePending, domain.QueueClaimed, workerID, ""); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return &item, nil
}

func (r *QueueRepository) RenewLease(ctx context.Context, itemID, workerID string, lease time.Duration) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE queue_items
SET lease_expires_at = now() + $3 * INTERVAL '1 second'
WHERE id = $1 AND claimed_by = $2 AND state = $4
`, itemID, workerID, lease.Seconds(), string(domain.QueueClaimed))
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lease rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotFound, "renew lease", fmt.Errorf("no live claim for item %s", itemID))
	}
	return nil
}

func (r *QueueRepository) Complete(ctx context.Context, itemID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
UPDATE queue_items
SET state = $2, lease_expires_at = NULL
WHERE id = $1 AND state = $3
`, itemID, string(domain.QueueSucceeded), string(domain.QueueClaimed))
	if err != nil {
		return fmt.Errorf("complete queue item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotFound, "complete", fmt.Errorf("item %s is not claimed", itemID))
	}
	if err := logTransition(ctx, tx, itemID, domain.QueueClaimed, domain.QueueSucceeded, "", ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete tx: %w", err)
	}
	return nil
}

// Fail re-schedules a retryable item with backoff, or parks it as
// failed_permanent once retries are exhausted or the failure is
// non-retryable. The attempt counter strictly increases either way.
func (r *QueueRepository) Fail(ctx context.Context, itemID string, retryable bool, cause string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var attempts int
	row := tx.QueryRowContext(ctx, `
SELECT attempt_count FROM queue_items WHERE id = $1 AND state = $2 FOR UPDATE
`, itemID, string(domain.QueueClaimed))
	if err := row.Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrNotFound, "fail", fmt.Errorf("item %s is not claimed", itemID))
		}
		return fmt.Errorf("read attempt count: %w", err)
	}

	attempts++
	next := domain.QueueFailedPermanent
	availableAt := time.Now().UTC()
	if retryable && attempts < r.policy.MaxAttempts {
		next = domain.QueuePending
		availableAt = availableAt.Add(r.policy.Delay(attempts))
	}

	_, err = tx.ExecContext(ctx, `
UPDATE queue_items
SET state = $2, attempt_count = $3, available_at = $4, claimed_by = '', claimed_at = NULL,
	lease_expires_at = NULL, last_error = $5
WHERE id = $1
`, itemID, string(next), attempts, availableAt, cause)
	if err != nil {
		return fmt.Errorf("fail queue item: %w", err)
	}

	if next == domain.QueuePending {
		// Retryable failures show the full path in the audit log.
		if err := logTransition(ctx, tx, itemID, domain.QueueClaimed, domain.QueueFailedRetryable, "", cause); err != nil {
			return err
		}
		if err := logTransition(ctx, tx, itemID, domain.QueueFailedRetryable, domain.QueuePending, "", "retry scheduled"); err != nil {
			return err
		}
	} else {
		if err := logTransition(ctx, tx, itemID, domain.QueueClaimed, next, "", cause); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail tx: %w", err)
	}
	return nil
}

// ReapExpired recovers expired claims. Reaped attempts count against
// max_attempts the same way handler failures do: an item whose retries
// are spent goes to failed_permanent instead of back to pending, so a
// handler that keeps outliving its lease cannot cycle forever.
func (r *QueueRepository) ReapExpired(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reap tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
UPDATE queue_items
SET state = CASE WHEN attempt_count + 1 >= $3 THEN $4 ELSE $1 END,
	attempt_count = attempt_count + 1,
	claimed_by = '', claimed_at = NULL, lease_expires_at = NULL,
	last_error = CASE WHEN attempt_count + 1 >= $3 THEN 'lease expired, retries exhausted' ELSE last_error END
WHERE state = $2 AND lease_expires_at < now()
RETURNING id, state
`, string(domain.QueuePending), string(domain.QueueClaimed), r.policy.MaxAttempts, string(domain.QueueFailedPermanent))
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}

	type reapedItem struct {
		id    string
		state domain.QueueState
	}
	var reaped []reapedItem
	for rows.Next() {
		var item reapedItem
		var state string
		if err := rows.Scan(&item.id, &state); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan reaped item: %w", err)
		}
		item.state = domain.QueueState(state)
		reaped = append(reaped, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate reaped items: %w", err)
	}

	for _, item := range reaped {
		detail := "lease expired"
		if item.state == domain.QueueFailedPermanent {
			detail = "lease expired, retries exhausted"
		}
		if err := logTransition(ctx, tx, item.id, domain.QueueClaimed, item.state, "", detail); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reap tx: %w", err)
	}
	return len(reaped), nil
}

// PurgeTerminal deletes terminal items older than the audit window,
// transitions included.
func (r *QueueRepository) PurgeTerminal(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	result, err := r.db.ExecContext(ctx, `
WITH purged AS (
	DELETE FROM queue_items
	WHERE state IN ($1, $2) AND created_at < $3
	RETURNING id
)
DELETE FROM queue_transitions WHERE item_id IN (SELECT id FROM purged)
`, string(domain.QueueSucceeded), string(domain.QueueFailedPermanent), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal items: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return int(rows), nil
}

func (r *QueueRepository) ListTerminal(ctx context.Context, since time.Time) ([]domain.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, queue_name, task_kind, payload, state, priority, attempt_count,
	available_at, created_at, claimed_by, claimed_at, last_error
FROM queue_items
WHERE state IN ($1, $2) AND created_at >= $3
ORDER BY created_at ASC
`, string(domain.QueueSucceeded), string(domain.QueueFailedPermanent), since)
	if err != nil {
		return nil, fmt.Errorf("list terminal items: %w", err)
	}
	defer rows.Close()

	out := make([]domain.QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan terminal item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate terminal items: %w", err)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func logTransition(ctx context.Context, tx execer, itemID string, from, to domain.QueueState, workerID, detail string) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO queue_transitions (item_id, from_state, to_state, worker_id, detail, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, itemID, string(from), string(to), workerID, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("log queue transition: %w", err)
	}
	return nil
}

type queueScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row queueScanner) (domain.QueueItem, error) {
	var item domain.QueueItem
	var kind, state string
	var claimedAt sql.NullTime
	err := row.Scan(
		&item.ID,
		&item.QueueName,
		&kind,
		&item.Payload,
		&state,
		&item.Priority,
		&item.AttemptCount,
		&item.AvailableAt,
		&item.CreatedAt,
		&item.ClaimedBy,
		&claimedAt,
		&item.LastError,
	)
	if err != nil {
		return domain.QueueItem{}, err
	}
	item.Kind = domain.TaskKind(kind)
	item.State = domain.QueueState(state)
	if claimedAt.Valid {
		t := claimedAt.Time
		item.ClaimedAt = &t
	}
	return item, nil
}

// queueNames renders a Postgres text[] literal so the parameter stays a
// plain string for any database/sql driver.
func queueNames(queues []string) string {
	out := "{"
	for i, q := range queues {
		if i > 0 {
			out += ","
		}
		out += `"` + q + `"`
	}
	return out + "}"
}
