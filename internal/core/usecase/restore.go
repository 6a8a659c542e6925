package usecase

import (
	"context"
	"fmt"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/core/ports"
)

// RestoreDocumentUseCase reactivates a soft-deleted document in place of
// re-ingesting identical bytes: the stored content and extracted fields
// are still there, only the deletion marker flips.
type RestoreDocumentUseCase struct {
	docs         ports.DocumentRepository
	fingerprints ports.FingerprintStore
	bus          ports.EventBus
}

func NewRestoreDocumentUseCase(
	docs ports.DocumentRepository,
	fingerprints ports.FingerprintStore,
	bus ports.EventBus,
) *RestoreDocumentUseCase {
	return &RestoreDocumentUseCase{docs: docs, fingerprints: fingerprints, bus: bus}
}

func (uc *RestoreDocumentUseCase) Restore(ctx context.Context, documentID string) (*domain.Document, error) {
	doc, err := uc.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("fetch document by id: %w", err)
	}
	if doc.Status != domain.StatusDeleted {
		return nil, domain.WrapError(domain.ErrValidation, "restore document",
			fmt.Errorf("document %s is %s, not deleted", documentID, doc.Status))
	}

	if err := uc.fingerprints.Reactivate(ctx, doc.ContentHash, documentID); err != nil {
		return nil, fmt.Errorf("reactivate fingerprint: %w", err)
	}
	if err := uc.docs.Restore(ctx, documentID); err != nil {
		return nil, fmt.Errorf("restore document record: %w", err)
	}

	restored, err := uc.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("fetch restored document: %w", err)
	}

	if uc.bus != nil {
		// Completion event so downstream consumers re-learn about the document.
		_ = uc.bus.PublishCompleted(ctx, documentID, restored.Status)
	}
	return restored, nil
}
