package domain

import "time"

type OcrPhase string

const (
	PhaseSubmitted     OcrPhase = "submitted"
	PhaseUploadPending OcrPhase = "upload_pending"
	PhaseUploadDone    OcrPhase = "upload_done"
	PhasePolling       OcrPhase = "polling"
	PhaseDone          OcrPhase = "done"
	PhaseFailed        OcrPhase = "failed"
)

func (p OcrPhase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// OcrFailure is the structured reason carried by a failed job.
type OcrFailure string

const (
	FailureVendorRejected OcrFailure = "vendor_rejected"
	FailureTimeout        OcrFailure = "timeout"
	FailureTransfer       OcrFailure = "transfer_error"
	FailureParse          OcrFailure = "parse_error"
)

// VendorElementState is the per-document state reported by the vendor's
// batch-status endpoint. The mapping onto OcrPhase is lossy and lives in
// one place (the orchestrator).
type VendorElementState string

const (
	VendorWaiting VendorElementState = "waiting"
	VendorRunning VendorElementState = "running"
	VendorDone    VendorElementState = "done"
	VendorError   VendorElementState = "error"
)

// FieldMap is the normalized OCR result: a flat key to value structure.
type FieldMap map[string]string

// VendorBatch is the vendor's answer to an allocate request.
type VendorBatch struct {
	BatchID   string
	UploadURL string
}

// VendorBatchStatus is one poll response for a batch.
type VendorBatchStatus struct {
	State     VendorElementState
	ResultRef string
	Message   string
}

type OcrJob struct {
	ID            string        `json:"id"`
	DocumentID    string        `json:"document_id"`
	VendorBatchID string        `json:"vendor_batch_id,omitempty"`
	Phase         OcrPhase      `json:"phase"`
	SubmittedAt   time.Time     `json:"submitted_at"`
	LastPolledAt  *time.Time    `json:"last_polled_at,omitempty"`
	PollInterval  time.Duration `json:"poll_interval"`
	Result        FieldMap      `json:"result,omitempty"`
	LowConfidence bool          `json:"low_confidence,omitempty"`
	Failure       OcrFailure    `json:"failure,omitempty"`
	Error         string        `json:"error,omitempty"`
}
