package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/core/ports"
)

func newEnqueueFixture() (*EnqueueDocumentUseCase, *fakeDocumentRepo, *fakeFingerprintStore, *fakeObjectStorage, *fakeQueueStore, *fakeEventBus) {
	docs := newFakeDocumentRepo()
	fingerprints := newFakeFingerprintStore()
	storage := newFakeObjectStorage()
	queue := &fakeQueueStore{}
	bus := &fakeEventBus{}
	uc := NewEnqueueDocumentUseCase(docs, fingerprints, storage, queue, bus, &fakeSniffer{pages: 2, hasText: true}, 1<<20)
	return uc, docs, fingerprints, storage, queue, bus
}

func TestEnqueueNewDocument(t *testing.T) {
	uc, docs, _, storage, queue, bus := newEnqueueFixture()

	result, err := uc.Enqueue(context.Background(), "invoice.pdf", "application/pdf", strings.NewReader("%PDF-1.7 content"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if result.Outcome != ports.OutcomeEnqueued {
		t.Fatalf("outcome = %s, want enqueued", result.Outcome)
	}
	if result.QueueItemID == "" {
		t.Fatalf("expected queue item id")
	}
	if result.Document.Status != domain.StatusReceived {
		t.Fatalf("status = %s, want received", result.Document.Status)
	}
	if result.Document.PageCount != 2 || !result.Document.HasTextLayer {
		t.Fatalf("sniff results not applied: %+v", result.Document)
	}

	if _, err := docs.GetByID(context.Background(), result.Document.ID); err != nil {
		t.Fatalf("document record missing: %v", err)
	}
	if _, ok := storage.objects[result.Document.StoragePath]; !ok {
		t.Fatalf("content not stored under %s", result.Document.StoragePath)
	}
	if len(queue.tasks) != 1 || queue.tasks[0].Kind != domain.TaskOCR {
		t.Fatalf("expected one ocr task, got %+v", queue.tasks)
	}
	if len(bus.wakes) != 1 || bus.wakes[0] != domain.DefaultQueue {
		t.Fatalf("expected wake on %s, got %v", domain.DefaultQueue, bus.wakes)
	}
}

func TestEnqueueIdenticalBytesIsDuplicate(t *testing.T) {
	uc, _, _, _, queue, _ := newEnqueueFixture()

	first, err := uc.Enqueue(context.Background(), "invoice.pdf", "application/pdf", strings.NewReader("same bytes"))
	if err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	second, err := uc.Enqueue(context.Background(), "renamed.pdf", "application/pdf", strings.NewReader("same bytes"))
	if err != nil {
		t.Fatalf("second Enqueue() error = %v", err)
	}

	if second.Outcome != ports.OutcomeDuplicate {
		t.Fatalf("outcome = %s, want duplicate", second.Outcome)
	}
	if second.Document.ID != first.Document.ID {
		t.Fatalf("duplicate must surface the canonical document, got %s want %s", second.Document.ID, first.Document.ID)
	}
	if len(queue.tasks) != 1 {
		t.Fatalf("duplicate must not enqueue, got %d tasks", len(queue.tasks))
	}
}

func TestEnqueueSoftDeletedHashIsRestorable(t *testing.T) {
	uc, docs, fingerprints, _, _, _ := newEnqueueFixture()

	first, err := uc.Enqueue(context.Background(), "invoice.pdf", "application/pdf", strings.NewReader("deleted bytes"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := docs.SoftDelete(context.Background(), first.Document.ID); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	if err := fingerprints.SoftDelete(context.Background(), first.Document.ContentHash); err != nil {
		t.Fatalf("fingerprint SoftDelete() error = %v", err)
	}

	second, err := uc.Enqueue(context.Background(), "invoice.pdf", "application/pdf", strings.NewReader("deleted bytes"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if second.Outcome != ports.OutcomeRestorable {
		t.Fatalf("outcome = %s, want restorable", second.Outcome)
	}
	if second.Document.ID != first.Document.ID {
		t.Fatalf("restorable must point at the soft-deleted document")
	}
}

func TestEnqueueCompensatesFingerprintOnFailure(t *testing.T) {
	uc, docs, fingerprints, _, _, _ := newEnqueueFixture()
	docs.createErr = errors.New("db down")

	_, err := uc.Enqueue(context.Background(), "invoice.pdf", "application/pdf", strings.NewReader("doomed bytes"))
	if err == nil {
		t.Fatalf("expected error from document create")
	}
	if len(fingerprints.unregistered) != 1 {
		t.Fatalf("fingerprint must be released after a failed ingestion, got %v", fingerprints.unregistered)
	}

	// The hash is free again, so a retry wins the insert.
	docs.createErr = nil
	retried, err := uc.Enqueue(context.Background(), "invoice.pdf", "application/pdf", strings.NewReader("doomed bytes"))
	if err != nil {
		t.Fatalf("retry Enqueue() error = %v", err)
	}
	if retried.Outcome != ports.OutcomeEnqueued {
		t.Fatalf("retry outcome = %s, want enqueued", retried.Outcome)
	}
}

func TestEnqueueRejectsOversizedUpload(t *testing.T) {
	docs := newFakeDocumentRepo()
	uc := NewEnqueueDocumentUseCase(docs, newFakeFingerprintStore(), newFakeObjectStorage(), &fakeQueueStore{}, &fakeEventBus{}, nil, 8)

	_, err := uc.Enqueue(context.Background(), "big.pdf", "application/pdf", strings.NewReader("way more than eight bytes"))
	if !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEnqueueRejectsEmptyUpload(t *testing.T) {
	docs := newFakeDocumentRepo()
	uc := NewEnqueueDocumentUseCase(docs, newFakeFingerprintStore(), newFakeObjectStorage(), &fakeQueueStore{}, &fakeEventBus{}, nil, 1<<20)

	_, err := uc.Enqueue(context.Background(), "empty.pdf", "application/pdf", strings.NewReader(""))
	if !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"invoice 2026.pdf":      "invoice_2026.pdf",
		"../../etc/passwd":      "passwd",
		"inv#42 (copy).pdf":     "inv_42__copy_.pdf",
		"":                      "document.bin",
		"rechnung-Q3_final.PDF": "rechnung-Q3_final.PDF",
	}
	for input, want := range cases {
		if got := sanitizeFilename(input); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", input, got, want)
		}
	}
}
