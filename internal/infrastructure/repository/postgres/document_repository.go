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

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026082304)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	page_count INT NOT NULL DEFAULT 0,
	has_text_layer BOOLEAN NOT NULL DEFAULT FALSE,
	status TEXT NOT NULL,
	fields JSONB,
	low_confidence BOOLEAN NOT NULL DEFAULT FALSE,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute document schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	var fieldsJSON []byte
	if doc.Fields != nil {
		raw, err := json.Marshal(doc.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
		fieldsJSON = raw
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO documents (
	id, filename, mime_type, storage_path, content_hash, size_bytes, page_count, has_text_layer,
	status, fields, low_confidence, error_message, created_at, updated_at, deleted_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`,
		doc.ID, doc.Filename, doc.MimeType, doc.StoragePath, doc.ContentHash, doc.SizeBytes,
		doc.PageCount, doc.HasTextLayer, string(doc.Status), fieldsJSON, doc.LowConfidence,
		doc.Error, doc.CreatedAt, doc.UpdatedAt, doc.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, filename, mime_type, storage_path, content_hash, size_bytes, page_count, has_text_layer,
	status, fields, low_confidence, error_message, created_at, updated_at, deleted_at
FROM documents
WHERE id = $1
`, id)

	var doc domain.Document
	var status string
	var fieldsRaw []byte
	var deletedAt sql.NullTime

	err := row.Scan(
		&doc.ID, &doc.Filename, &doc.MimeType, &doc.StoragePath, &doc.ContentHash, &doc.SizeBytes,
		&doc.PageCount, &doc.HasTextLayer, &status, &fieldsRaw, &doc.LowConfidence, &doc.Error,
		&doc.CreatedAt, &doc.UpdatedAt, &deletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get document", fmt.Errorf("id %s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}

	doc.Status = domain.DocumentStatus(status)
	if deletedAt.Valid {
		t := deletedAt.Time
		doc.DeletedAt = &t
	}
	if len(fieldsRaw) > 0 {
		if err := json.Unmarshal(fieldsRaw, &doc.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal fields: %w", err)
		}
	}
	return &doc, nil
}

func (r *DocumentRepository) UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus, errMessage string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE documents
SET status = $2, error_message = $3, updated_at = $4
WHERE id = $1
`, id, string(status), errMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return nil
}

func (r *DocumentRepository) SaveResult(ctx context.Context, id string, fields domain.FieldMap, lowConfidence bool) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
UPDATE documents
SET fields = $2, low_confidence = $3, updated_at = $4
WHERE id = $1
`, id, fieldsJSON, lowConfidence, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save document result: %w", err)
	}
	return nil
}

func (r *DocumentRepository) SoftDelete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET status = $2, deleted_at = $3, updated_at = $3
WHERE id = $1 AND deleted_at IS NULL
`, id, string(domain.StatusDeleted), now)
	if err != nil {
		return fmt.Errorf("soft delete document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotFound, "soft delete document", fmt.Errorf("id %s", id))
	}
	return nil
}

func (r *DocumentRepository) Restore(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET status = $2, deleted_at = NULL, updated_at = $3
WHERE id = $1 AND deleted_at IS NOT NULL
`, id, string(domain.StatusReady), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("restore document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("restore rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotFound, "restore document", fmt.Errorf("id %s is not deleted", id))
	}
	return nil
}
