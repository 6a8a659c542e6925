package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
)

// OcrJobRepository persists OCR state-machine instances. Phase updates are
// compare-and-set on the stored phase, so a poll result that arrives after
// the job reached a terminal phase is rejected with domain.ErrStalePhase.
type OcrJobRepository struct {
	db *sql.DB
}

func NewOcrJobRepository(db *sql.DB) *OcrJobRepository {
	return &OcrJobRepository{db: db}
}

func (r *OcrJobRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026082303)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS ocr_jobs (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	vendor_batch_id TEXT NOT NULL DEFAULT '',
	phase TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	last_polled_at TIMESTAMPTZ,
	poll_interval_ms BIGINT NOT NULL DEFAULT 0,
	result JSONB,
	low_confidence BOOLEAN NOT NULL DEFAULT FALSE,
	failure TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_ocr_jobs_document ON ocr_jobs(document_id, submitted_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute ocr schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *OcrJobRepository) Create(ctx context.Context, job *domain.OcrJob) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO ocr_jobs (id, document_id, vendor_batch_id, phase, submitted_at, poll_interval_ms)
VALUES ($1,$2,$3,$4,$5,$6)
`, job.ID, job.DocumentID, job.VendorBatchID, string(job.Phase), job.SubmittedAt, job.PollInterval.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert ocr job: %w", err)
	}
	return nil
}

func (r *OcrJobRepository) GetLatestByDocument(ctx context.Context, documentID string) (*domain.OcrJob, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, document_id, vendor_batch_id, phase, submitted_at, last_polled_at, poll_interval_ms,
	result, low_confidence, failure, error_message
FROM ocr_jobs
WHERE document_id = $1
ORDER BY submitted_at DESC
LIMIT 1
`, documentID)

	job, err := scanOcrJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get ocr job", fmt.Errorf("document %s", documentID))
		}
		return nil, fmt.Errorf("get ocr job: %w", err)
	}
	return &job, nil
}

func (r *OcrJobRepository) AdvancePhase(ctx context.Context, jobID string, from, to domain.OcrPhase) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE ocr_jobs SET phase = $3 WHERE id = $1 AND phase = $2
`, jobID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("advance ocr phase: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance phase rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrStalePhase, "advance ocr phase", fmt.Errorf("job %s is not in phase %s", jobID, from))
	}
	return nil
}

func (r *OcrJobRepository) MarkPolled(ctx context.Context, jobID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE ocr_jobs SET last_polled_at = $2 WHERE id = $1
`, jobID, at)
	if err != nil {
		return fmt.Errorf("mark ocr job polled: %w", err)
	}
	return nil
}

func (r *OcrJobRepository) SaveResult(ctx context.Context, jobID string, fields domain.FieldMap, lowConfidence bool) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal ocr result: %w", err)
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE ocr_jobs SET phase = $2, result = $3, low_confidence = $4
WHERE id = $1 AND phase = $5
`, jobID, string(domain.PhaseDone), payload, lowConfidence, string(domain.PhasePolling))
	if err != nil {
		return fmt.Errorf("save ocr result: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save result rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrStalePhase, "save ocr result", fmt.Errorf("job %s is not polling", jobID))
	}
	return nil
}

func (r *OcrJobRepository) MarkFailed(ctx context.Context, jobID string, from domain.OcrPhase, failure domain.OcrFailure, cause string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE ocr_jobs SET phase = $2, failure = $3, error_message = $4
WHERE id = $1 AND phase = $5
`, jobID, string(domain.PhaseFailed), string(failure), cause, string(from))
	if err != nil {
		return fmt.Errorf("mark ocr job failed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark failed rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrStalePhase, "mark ocr job failed", fmt.Errorf("job %s is not in phase %s", jobID, from))
	}
	return nil
}

// PurgeTerminal deletes settled jobs older than the audit window. The
// parsed fields already live on the document record by then.
func (r *OcrJobRepository) PurgeTerminal(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	result, err := r.db.ExecContext(ctx, `
DELETE FROM ocr_jobs
WHERE phase IN ($1, $2) AND submitted_at < $3
`, string(domain.PhaseDone), string(domain.PhaseFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal ocr jobs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge ocr jobs rows affected: %w", err)
	}
	return int(rows), nil
}

func (r *OcrJobRepository) SetVendorBatch(ctx context.Context, jobID, batchID string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE ocr_jobs SET vendor_batch_id = $2 WHERE id = $1
`, jobID, batchID)
	if err != nil {
		return fmt.Errorf("set vendor batch id: %w", err)
	}
	return nil
}

type ocrScanner interface {
	Scan(dest ...any) error
}

func scanOcrJob(row ocrScanner) (domain.OcrJob, error) {
	var job domain.OcrJob
	var phase, failure string
	var lastPolled sql.NullTime
	var pollMs int64
	var resultRaw []byte

	err := row.Scan(
		&job.ID,
		&job.DocumentID,
		&job.VendorBatchID,
		&phase,
		&job.SubmittedAt,
		&lastPolled,
		&pollMs,
		&resultRaw,
		&job.LowConfidence,
		&failure,
		&job.Error,
	)
	if err != nil {
		return domain.OcrJob{}, err
	}
	job.Phase = domain.OcrPhase(phase)
	job.Failure = domain.OcrFailure(failure)
	job.PollInterval = time.Duration(pollMs) * time.Millisecond
	if lastPolled.Valid {
		t := lastPolled.Time
		job.LastPolledAt = &t
	}
	if len(resultRaw) > 0 {
		if err := json.Unmarshal(resultRaw, &job.Result); err != nil {
			return domain.OcrJob{}, fmt.Errorf("unmarshal ocr result: %w", err)
		}
	}
	return job, nil
}
