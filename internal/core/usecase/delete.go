package usecase

import (
	"context"
	"fmt"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/core/ports"
)

// DeleteDocumentUseCase soft-deletes a document. The stored bytes and the
// fingerprint row survive so identical content can be restored instead of
// re-processed.
type DeleteDocumentUseCase struct {
	docs         ports.DocumentRepository
	fingerprints ports.FingerprintStore
}

func NewDeleteDocumentUseCase(docs ports.DocumentRepository, fingerprints ports.FingerprintStore) *DeleteDocumentUseCase {
	return &DeleteDocumentUseCase{docs: docs, fingerprints: fingerprints}
}

func (uc *DeleteDocumentUseCase) Delete(ctx context.Context, documentID string) error {
	doc, err := uc.docs.GetByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("fetch document by id: %w", err)
	}
	if doc.Status == domain.StatusDeleted {
		return domain.WrapError(domain.ErrGone, "delete document",
			fmt.Errorf("document %s is already deleted", documentID))
	}

	if err := uc.docs.SoftDelete(ctx, documentID); err != nil {
		return fmt.Errorf("soft delete document: %w", err)
	}
	if err := uc.fingerprints.SoftDelete(ctx, doc.ContentHash); err != nil {
		return fmt.Errorf("soft delete fingerprint: %w", err)
	}
	return nil
}
