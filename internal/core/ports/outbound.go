package ports

import (
	"context"
	"io"
	"time"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
)

// QueueStore is the durable broker. All cross-worker coordination happens
// through its atomic operations; no queue state lives only in memory.
type QueueStore interface {
	Enqueue(ctx context.Context, queue string, kind domain.TaskKind, payload []byte, priority int, delay time.Duration) (string, error)
	// Claim atomically hands one due pending item to the caller, ordered by
	// (priority desc, available_at asc). Returns (nil, nil) when no work is
	// available.
	Claim(ctx context.Context, queues []string, workerID string, lease time.Duration) (*domain.QueueItem, error)
	RenewLease(ctx context.Context, itemID, workerID string, lease time.Duration) error
	Complete(ctx context.Context, itemID string) error
	Fail(ctx context.Context, itemID string, retryable bool, cause string) error
	// ReapExpired returns expired claims to pending, incrementing attempts.
	ReapExpired(ctx context.Context) (int, error)
	PurgeTerminal(ctx context.Context, retention time.Duration) (int, error)
	ListTerminal(ctx context.Context, since time.Time) ([]domain.QueueItem, error)
}

// FingerprintStore is the dedup index.
type FingerprintStore interface {
	Lookup(ctx context.Context, contentHash string) (*domain.Fingerprint, error)
	// Register is insert-or-fetch: created=true means this caller owns the
	// content and must schedule processing; created=false returns the
	// existing fingerprint, which may be soft-deleted.
	Register(ctx context.Context, contentHash string, size int64, documentID string) (*domain.Fingerprint, bool, error)
	Reactivate(ctx context.Context, contentHash, newDocumentID string) error
	SoftDelete(ctx context.Context, contentHash string) error
	// Unregister compensates a failed ingestion so a retry can claim the hash.
	Unregister(ctx context.Context, contentHash, documentID string) error
}

// OcrJobStore persists orchestrator state machine instances.
type OcrJobStore interface {
	Create(ctx context.Context, job *domain.OcrJob) error
	GetLatestByDocument(ctx context.Context, documentID string) (*domain.OcrJob, error)
	// AdvancePhase is compare-and-set on the stored phase; it returns
	// domain.ErrStalePhase when the job is no longer in the expected phase.
	AdvancePhase(ctx context.Context, jobID string, from, to domain.OcrPhase) error
	MarkPolled(ctx context.Context, jobID string, at time.Time) error
	SaveResult(ctx context.Context, jobID string, result domain.FieldMap, lowConfidence bool) error
	MarkFailed(ctx context.Context, jobID string, from domain.OcrPhase, failure domain.OcrFailure, cause string) error
	SetVendorBatch(ctx context.Context, jobID, batchID string) error
}

type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus, errMessage string) error
	SaveResult(ctx context.Context, id string, fields domain.FieldMap, lowConfidence bool) error
	SoftDelete(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) error
}

// RateLimiter is the sliding-window ingress guard. A false return is a
// 429-equivalent signal, never a wait.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// OcrVendor abstracts the three-phase vendor protocol.
type OcrVendor interface {
	AllocateBatch(ctx context.Context, fileName string, fileSize int64) (domain.VendorBatch, error)
	// UploadContent transfers the raw bytes to the vendor-issued destination
	// exactly as issued; the URL is authenticated by a signature over the
	// raw request, so no headers or transformations may be added.
	UploadContent(ctx context.Context, uploadURL string, content io.Reader, size int64) error
	BatchStatus(ctx context.Context, batchID string) (domain.VendorBatchStatus, error)
	FetchResult(ctx context.Context, resultRef string) (domain.FieldMap, bool, error)
}

// EventBus carries wake nudges and completion events. It is an accelerant,
// not a broker: losing an event only delays work until the next poll.
type EventBus interface {
	PublishWake(ctx context.Context, queue string) error
	PublishCompleted(ctx context.Context, documentID string, status domain.DocumentStatus) error
	SubscribeWake(ctx context.Context, queue string, notify func()) (func(), error)
}

// DocumentSniffer inspects raw bytes before OCR is scheduled.
type DocumentSniffer interface {
	Sniff(ctx context.Context, mimeType string, content []byte) (pages int, hasTextLayer bool, err error)
}

// AuditExporter renders terminal queue items into a report artifact.
type AuditExporter interface {
	Export(ctx context.Context, items []domain.QueueItem) (io.Reader, string, error)
}

// Clock is injected wherever wall-clock decisions must be testable.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}
