package usecase

import (
	"context"
	"fmt"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/core/ports"
)

// DocumentStatusUseCase combines the document record with the latest OCR
// job to answer status queries. Status is readable for every known
// document, including permanently failed and soft-deleted ones.
type DocumentStatusUseCase struct {
	docs ports.DocumentRepository
	jobs ports.OcrJobStore
}

func NewDocumentStatusUseCase(docs ports.DocumentRepository, jobs ports.OcrJobStore) *DocumentStatusUseCase {
	return &DocumentStatusUseCase{docs: docs, jobs: jobs}
}

func (uc *DocumentStatusUseCase) GetDocument(ctx context.Context, documentID string) (*domain.Document, error) {
	doc, err := uc.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("fetch document by id: %w", err)
	}
	return doc, nil
}

func (uc *DocumentStatusUseCase) GetStatus(ctx context.Context, documentID string) (*ports.DocumentStatusView, error) {
	doc, err := uc.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	view := &ports.DocumentStatusView{
		DocumentID:    doc.ID,
		Status:        doc.Status,
		Result:        doc.Fields,
		LowConfidence: doc.LowConfidence,
		Error:         doc.Error,
	}

	job, err := uc.jobs.GetLatestByDocument(ctx, documentID)
	switch {
	case err == nil:
		view.Phase = job.Phase
		view.Failure = job.Failure
		if view.Error == "" {
			view.Error = job.Error
		}
	case domain.IsKind(err, domain.ErrNotFound):
		// No OCR run yet; the document-level status stands alone.
	default:
		return nil, fmt.Errorf("fetch latest ocr job: %w", err)
	}

	return view, nil
}
