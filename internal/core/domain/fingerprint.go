package domain

import "time"

type FingerprintStatus string

const (
	FingerprintActive      FingerprintStatus = "active"
	FingerprintSoftDeleted FingerprintStatus = "soft_deleted"
)

// Fingerprint maps a content hash to the canonical document that owns the
// bytes. content_hash is unique; the row is never hard-deleted while the
// canonical document is referenced.
type Fingerprint struct {
	ContentHash         string            `json:"content_hash"`
	SizeBytes           int64             `json:"size_bytes"`
	FirstSeenAt         time.Time         `json:"first_seen_at"`
	CanonicalDocumentID string            `json:"canonical_document_id"`
	Status              FingerprintStatus `json:"status"`
}
