package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/core/ports"
)

// OcrTaskPayload is the queue payload for an OCR task.
type OcrTaskPayload struct {
	DocumentID string `json:"document_id"`
}

// EnqueueDocumentUseCase accepts an upload, dedups it by content hash and
// schedules OCR processing. The fingerprint register is the single
// serialization point: whichever caller wins the insert owns the content.
type EnqueueDocumentUseCase struct {
	docs         ports.DocumentRepository
	fingerprints ports.FingerprintStore
	storage      ports.ObjectStorage
	queue        ports.QueueStore
	bus          ports.EventBus
	sniffer      ports.DocumentSniffer
	maxBytes     int64
}

func NewEnqueueDocumentUseCase(
	docs ports.DocumentRepository,
	fingerprints ports.FingerprintStore,
	storage ports.ObjectStorage,
	queue ports.QueueStore,
	bus ports.EventBus,
	sniffer ports.DocumentSniffer,
	maxBytes int64,
) *EnqueueDocumentUseCase {
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}
	return &EnqueueDocumentUseCase{
		docs:         docs,
		fingerprints: fingerprints,
		storage:      storage,
		queue:        queue,
		bus:          bus,
		sniffer:      sniffer,
		maxBytes:     maxBytes,
	}
}

func (uc *EnqueueDocumentUseCase) Enqueue(
	ctx context.Context,
	filename, mimeType string,
	body io.Reader,
) (*ports.EnqueueResult, error) {
	content, err := uc.readAll(body)
	if err != nil {
		return nil, err
	}

	hash := sha256.Sum256(content)
	contentHash := hex.EncodeToString(hash[:])
	docID := uuid.NewString()

	fp, created, err := uc.fingerprints.Register(ctx, contentHash, int64(len(content)), docID)
	if err != nil {
		return nil, fmt.Errorf("register fingerprint: %w", err)
	}
	if !created {
		return uc.resolveExisting(ctx, fp)
	}

	result, err := uc.admit(ctx, docID, filename, mimeType, contentHash, content)
	if err != nil {
		// Release the hash so a retry of the same upload can win it again.
		if unregErr := uc.fingerprints.Unregister(ctx, contentHash, docID); unregErr != nil {
			slog.Error("fingerprint_unregister_failed",
				"content_hash", contentHash, "document_id", docID, "error", unregErr)
		}
		return nil, err
	}
	return result, nil
}

func (uc *EnqueueDocumentUseCase) readAll(body io.Reader) ([]byte, error) {
	limited := io.LimitReader(body, uc.maxBytes+1)
	content, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read upload body: %w", err)
	}
	if int64(len(content)) > uc.maxBytes {
		return nil, domain.WrapError(domain.ErrValidation, "read upload body",
			fmt.Errorf("upload exceeds %d bytes", uc.maxBytes))
	}
	if len(content) == 0 {
		return nil, domain.WrapError(domain.ErrValidation, "read upload body", errors.New("empty upload"))
	}
	return content, nil
}

// resolveExisting maps a lost register race onto the dedup outcomes: an
// active fingerprint points the caller at the canonical document, a
// soft-deleted one is offered for restore.
func (uc *EnqueueDocumentUseCase) resolveExisting(ctx context.Context, fp *domain.Fingerprint) (*ports.EnqueueResult, error) {
	doc, err := uc.docs.GetByID(ctx, fp.CanonicalDocumentID)
	if err != nil {
		return nil, fmt.Errorf("fetch canonical document %s: %w", fp.CanonicalDocumentID, err)
	}
	outcome := ports.OutcomeDuplicate
	if fp.Status == domain.FingerprintSoftDeleted {
		outcome = ports.OutcomeRestorable
	}
	return &ports.EnqueueResult{Outcome: outcome, Document: doc}, nil
}

func (uc *EnqueueDocumentUseCase) admit(
	ctx context.Context,
	docID, filename, mimeType, contentHash string,
	content []byte,
) (*ports.EnqueueResult, error) {
	now := time.Now().UTC()
	doc := &domain.Document{
		ID:          docID,
		Filename:    filename,
		MimeType:    mimeType,
		StoragePath: fmt.Sprintf("%s_%s", docID, sanitizeFilename(filename)),
		ContentHash: contentHash,
		SizeBytes:   int64(len(content)),
		Status:      domain.StatusReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Sniffing is advisory: a malformed PDF still goes to the vendor.
	if uc.sniffer != nil {
		if pages, hasText, err := uc.sniffer.Sniff(ctx, mimeType, content); err == nil {
			doc.PageCount = pages
			doc.HasTextLayer = hasText
		} else {
			slog.Warn("document_sniff_failed", "document_id", docID, "error", err)
		}
	}

	if err := uc.storage.Save(ctx, doc.StoragePath, bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}
	if err := uc.docs.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document record: %w", err)
	}

	payload, err := json.Marshal(OcrTaskPayload{DocumentID: docID})
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	itemID, err := uc.queue.Enqueue(ctx, domain.DefaultQueue, domain.TaskOCR, payload, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("enqueue ocr task: %w", err)
	}

	if uc.bus != nil {
		if err := uc.bus.PublishWake(ctx, domain.DefaultQueue); err != nil {
			slog.Warn("wake_publish_failed", "queue", domain.DefaultQueue, "error", err)
		}
	}

	return &ports.EnqueueResult{
		Outcome:     ports.OutcomeEnqueued,
		Document:    doc,
		QueueItemID: itemID,
	}, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "document.bin"
	}
	return base
}
