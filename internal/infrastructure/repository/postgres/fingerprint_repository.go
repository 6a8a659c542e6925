package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
)

// FingerprintRepository is the dedup index. The unique constraint on
// content_hash plus insert-or-conflict makes Register the single atomic
// gate deciding which concurrent submitter owns a document body.
type FingerprintRepository struct {
	db *sql.DB
}

func NewFingerprintRepository(db *sql.DB) *FingerprintRepository {
	return &FingerprintRepository{db: db}
}

func (r *FingerprintRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026082302)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS document_fingerprints (
	content_hash TEXT PRIMARY KEY,
	size_bytes BIGINT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	canonical_document_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active'
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute fingerprint schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *FingerprintRepository) Lookup(ctx context.Context, contentHash string) (*domain.Fingerprint, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT content_hash, size_bytes, first_seen_at, canonical_document_id, status
FROM document_fingerprints
WHERE content_hash = $1
`, contentHash)

	fp, err := scanFingerprint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "lookup fingerprint", fmt.Errorf("hash %s", contentHash))
		}
		return nil, fmt.Errorf("lookup fingerprint: %w", err)
	}
	return &fp, nil
}

// Register inserts the fingerprint or, on conflict, fetches the existing
// row. The insert either succeeds (this caller is the canonical processor)
// or loses the race, in which case the caller attaches to the existing
// result instead of scheduling a second OCR run.
func (r *FingerprintRepository) Register(ctx context.Context, contentHash string, size int64, documentID string) (*domain.Fingerprint, bool, error) {
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
INSERT INTO document_fingerprints (content_hash, size_bytes, first_seen_at, canonical_document_id, status)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (content_hash) DO NOTHING
RETURNING content_hash, size_bytes, first_seen_at, canonical_document_id, status
`, contentHash, size, now, documentID, string(domain.FingerprintActive))

	fp, err := scanFingerprint(row)
	if err == nil {
		return &fp, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("register fingerprint: %w", err)
	}

	existing, err := r.Lookup(ctx, contentHash)
	if err != nil {
		return nil, false, fmt.Errorf("fetch conflicting fingerprint: %w", err)
	}
	return existing, false, nil
}

// Reactivate restores a soft-deleted fingerprint, re-pointing it at the
// resurrected canonical document.
func (r *FingerprintRepository) Reactivate(ctx context.Context, contentHash, newDocumentID string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE document_fingerprints
SET status = $3, canonical_document_id = $2
WHERE content_hash = $1 AND status = $4
`, contentHash, newDocumentID, string(domain.FingerprintActive), string(domain.FingerprintSoftDeleted))
	if err != nil {
		return fmt.Errorf("reactivate fingerprint: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reactivate rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotFound, "reactivate fingerprint", fmt.Errorf("no soft-deleted row for hash %s", contentHash))
	}
	return nil
}

func (r *FingerprintRepository) SoftDelete(ctx context.Context, contentHash string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE document_fingerprints
SET status = $2
WHERE content_hash = $1 AND status = $3
`, contentHash, string(domain.FingerprintSoftDeleted), string(domain.FingerprintActive))
	if err != nil {
		return fmt.Errorf("soft delete fingerprint: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotFound, "soft delete fingerprint", fmt.Errorf("no active row for hash %s", contentHash))
	}
	return nil
}

// Unregister removes a fingerprint only while it still points at the
// document whose ingestion failed; a fingerprint re-pointed by a later
// upload is left alone.
func (r *FingerprintRepository) Unregister(ctx context.Context, contentHash, documentID string) error {
	_, err := r.db.ExecContext(ctx, `
DELETE FROM document_fingerprints
WHERE content_hash = $1 AND canonical_document_id = $2
`, contentHash, documentID)
	if err != nil {
		return fmt.Errorf("unregister fingerprint: %w", err)
	}
	return nil
}

type fingerprintScanner interface {
	Scan(dest ...any) error
}

func scanFingerprint(row fingerprintScanner) (domain.Fingerprint, error) {
	var fp domain.Fingerprint
	var status string
	err := row.Scan(&fp.ContentHash, &fp.SizeBytes, &fp.FirstSeenAt, &fp.CanonicalDocumentID, &status)
	if err != nil {
		return domain.Fingerprint{}, err
	}
	fp.Status = domain.FingerprintStatus(status)
	return fp, nil
}
