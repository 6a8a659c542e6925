package ports

import (
	"context"
	"io"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
)

// EnqueueOutcome distinguishes new work from dedup short-circuits.
type EnqueueOutcome string

const (
	OutcomeEnqueued   EnqueueOutcome = "enqueued"
	OutcomeDuplicate  EnqueueOutcome = "duplicate"
	OutcomeRestorable EnqueueOutcome = "restorable"
)

type EnqueueResult struct {
	Outcome     EnqueueOutcome
	Document    *domain.Document
	QueueItemID string
}

// DocumentIngestor is the inbound contract for the ingress endpoints.
type DocumentIngestor interface {
	Enqueue(ctx context.Context, filename, mimeType string, body io.Reader) (*EnqueueResult, error)
}

// DocumentStatusReader reflects the latest known phase/error, including
// permanently failed documents.
type DocumentStatusReader interface {
	GetStatus(ctx context.Context, documentID string) (*DocumentStatusView, error)
	GetDocument(ctx context.Context, documentID string) (*domain.Document, error)
}

type DocumentStatusView struct {
	DocumentID    string                `json:"document_id"`
	Status        domain.DocumentStatus `json:"status"`
	Phase         domain.OcrPhase       `json:"phase,omitempty"`
	Result        domain.FieldMap       `json:"result,omitempty"`
	LowConfidence bool                  `json:"low_confidence,omitempty"`
	Failure       domain.OcrFailure     `json:"failure,omitempty"`
	Error         string                `json:"error,omitempty"`
}

// DocumentRestorer reactivates a soft-deleted fingerprint and its document.
type DocumentRestorer interface {
	Restore(ctx context.Context, documentID string) (*domain.Document, error)
}

// DocumentDeleter soft-deletes a document and its fingerprint.
type DocumentDeleter interface {
	Delete(ctx context.Context, documentID string) error
}
