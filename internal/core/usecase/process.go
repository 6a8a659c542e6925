package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/core/ports"
)

// ProcessDocumentUseCase is the OCR task handler: it loads the document,
// streams the stored bytes through the vendor orchestration and persists
// the outcome on the document record.
type ProcessDocumentUseCase struct {
	docs         ports.DocumentRepository
	storage      ports.ObjectStorage
	orchestrator *OcrOrchestrator
	queue        ports.QueueStore
}

func NewProcessDocumentUseCase(
	docs ports.DocumentRepository,
	storage ports.ObjectStorage,
	orchestrator *OcrOrchestrator,
	queue ports.QueueStore,
) *ProcessDocumentUseCase {
	return &ProcessDocumentUseCase{
		docs:         docs,
		storage:      storage,
		orchestrator: orchestrator,
		queue:        queue,
	}
}

// NotifyTaskPayload is the queue payload for a completion notification.
type NotifyTaskPayload struct {
	DocumentID string                `json:"document_id"`
	Status     domain.DocumentStatus `json:"status"`
}

func (uc *ProcessDocumentUseCase) ProcessByID(ctx context.Context, documentID string) error {
	doc, err := uc.docs.GetByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("fetch document by id: %w", err)
	}
	if doc.Status == domain.StatusDeleted {
		// Deleted between enqueue and claim; nothing to process.
		slog.Info("ocr_task_skipped_deleted", "document_id", documentID)
		return nil
	}

	if err := uc.docs.UpdateStatus(ctx, documentID, domain.StatusProcessing, ""); err != nil {
		return fmt.Errorf("set status=processing: %w", err)
	}

	fields, lowConfidence, err := uc.runOcr(ctx, doc)
	if err != nil {
		if domain.IsKind(err, domain.ErrStalePhase) {
			// A newer run owns the job; leave the document to it.
			return nil
		}
		if !domain.IsKind(err, domain.ErrTransient) {
			// Permanent failure: park the document before the queue parks
			// the task.
			if failErr := uc.docs.UpdateStatus(ctx, documentID, domain.StatusFailed, err.Error()); failErr != nil {
				return fmt.Errorf("%w; mark failed status: %v", err, failErr)
			}
			uc.scheduleNotify(ctx, documentID, domain.StatusFailed)
		}
		return err
	}

	if err := uc.docs.SaveResult(ctx, documentID, fields, lowConfidence); err != nil {
		return fmt.Errorf("save ocr result: %w", err)
	}
	if err := uc.docs.UpdateStatus(ctx, documentID, domain.StatusReady, ""); err != nil {
		return fmt.Errorf("set status=ready: %w", err)
	}

	uc.scheduleNotify(ctx, documentID, domain.StatusReady)
	return nil
}

func (uc *ProcessDocumentUseCase) runOcr(ctx context.Context, doc *domain.Document) (domain.FieldMap, bool, error) {
	content, err := uc.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return nil, false, domain.WrapError(domain.ErrTransient, "open stored content", err)
	}
	defer content.Close()

	return uc.orchestrator.Run(ctx, doc, content)
}

// scheduleNotify enqueues the follow-up notification task. Notification is
// best effort relative to the OCR outcome; a failed enqueue never undoes
// the processed document.
func (uc *ProcessDocumentUseCase) scheduleNotify(ctx context.Context, documentID string, status domain.DocumentStatus) {
	payload, err := json.Marshal(NotifyTaskPayload{DocumentID: documentID, Status: status})
	if err != nil {
		slog.Error("notify_payload_encode_failed", "document_id", documentID, "error", err)
		return
	}
	if _, err := uc.queue.Enqueue(ctx, domain.DefaultQueue, domain.TaskNotify, payload, 0, time.Duration(0)); err != nil {
		slog.Error("notify_enqueue_failed", "document_id", documentID, "error", err)
	}
}
