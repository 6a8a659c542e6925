package domain

import "time"

type DocumentStatus string

const (
	StatusReceived   DocumentStatus = "received"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
	StatusDeleted    DocumentStatus = "deleted"
)

// Document is the pipeline's view of an inbound invoice document. The
// business-record layer owns everything else about an invoice; this record
// tracks ingestion state only.
type Document struct {
	ID            string         `json:"id"`
	Filename      string         `json:"filename"`
	MimeType      string         `json:"mime_type"`
	StoragePath   string         `json:"storage_path"`
	ContentHash   string         `json:"content_hash"`
	SizeBytes     int64          `json:"size_bytes"`
	PageCount     int            `json:"page_count,omitempty"`
	HasTextLayer  bool           `json:"has_text_layer,omitempty"`
	Status        DocumentStatus `json:"status"`
	Fields        FieldMap       `json:"fields,omitempty"`
	LowConfidence bool           `json:"low_confidence,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     *time.Time     `json:"deleted_at,omitempty"`
}
