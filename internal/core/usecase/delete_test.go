package usecase

import (
	"context"
	"strings"
	"testing"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
)

func TestDeleteSoftDeletesDocumentAndFingerprint(t *testing.T) {
	enqueue, docs, fingerprints, _, _, _ := newEnqueueFixture()

	first, err := enqueue.Enqueue(context.Background(), "invoice.pdf", "application/pdf", strings.NewReader("delete me"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	uc := NewDeleteDocumentUseCase(docs, fingerprints)
	if err := uc.Delete(context.Background(), first.Document.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	doc, _ := docs.GetByID(context.Background(), first.Document.ID)
	if doc.Status != domain.StatusDeleted || doc.DeletedAt == nil {
		t.Fatalf("document not soft-deleted: %+v", doc)
	}
	fp, _ := fingerprints.Lookup(context.Background(), first.Document.ContentHash)
	if fp.Status != domain.FingerprintSoftDeleted {
		t.Fatalf("fingerprint status = %s, want soft_deleted", fp.Status)
	}

	// A repeat delete reports the document as already gone.
	err = uc.Delete(context.Background(), first.Document.ID)
	if !domain.IsKind(err, domain.ErrGone) {
		t.Fatalf("expected gone error on double delete, got %v", err)
	}
}
