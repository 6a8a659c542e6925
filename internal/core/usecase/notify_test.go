package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
)

func TestNotifyHandlePublishes(t *testing.T) {
	bus := &fakeEventBus{}
	uc := NewNotifyCompletionUseCase(bus)

	err := uc.Handle(context.Background(), []byte(`{"document_id":"doc-1","status":"ready"}`))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(bus.completed) != 1 || bus.completed[0].DocumentID != "doc-1" || bus.completed[0].Status != domain.StatusReady {
		t.Fatalf("unexpected published events %+v", bus.completed)
	}
}

func TestNotifyHandleRejectsBadPayload(t *testing.T) {
	uc := NewNotifyCompletionUseCase(&fakeEventBus{})

	for name, payload := range map[string]string{
		"malformed": `{`,
		"missing":   `{"status":"ready"}`,
	} {
		t.Run(name, func(t *testing.T) {
			err := uc.Handle(context.Background(), []byte(payload))
			if !domain.IsKind(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestAuditExportHandle(t *testing.T) {
	queue := &fakeQueueStore{
		terminal: []domain.QueueItem{
			{ID: "item-1", QueueName: domain.DefaultQueue, Kind: domain.TaskOCR, State: domain.QueueSucceeded},
			{ID: "item-2", QueueName: domain.DefaultQueue, Kind: domain.TaskOCR, State: domain.QueueFailedPermanent, LastError: "ocr vendor_rejected"},
		},
	}
	storage := newFakeObjectStorage()
	exporter := &stubExporter{name: "queue-audit.xlsx"}
	clock := newFakeClock(time.Now(), time.Millisecond)

	uc := NewAuditExportUseCase(queue, exporter, storage, clock)
	if err := uc.Handle(context.Background(), nil); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if exporter.exported != 2 {
		t.Fatalf("expected 2 items exported, got %d", exporter.exported)
	}
	if _, ok := storage.objects["audit/queue-audit.xlsx"]; !ok {
		t.Fatalf("report not stored, objects=%v", keys(storage.objects))
	}
}
