package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/core/ports"
)

// AuditExportTaskPayload selects the window of terminal queue items to
// export. Since defaults to the last 24 hours when absent.
type AuditExportTaskPayload struct {
	Since *time.Time `json:"since,omitempty"`
}

// AuditExportUseCase renders terminal queue items into a report artifact
// and stores it alongside the documents.
type AuditExportUseCase struct {
	queue    ports.QueueStore
	exporter ports.AuditExporter
	storage  ports.ObjectStorage
	clock    ports.Clock
}

func NewAuditExportUseCase(
	queue ports.QueueStore,
	exporter ports.AuditExporter,
	storage ports.ObjectStorage,
	clock ports.Clock,
) *AuditExportUseCase {
	return &AuditExportUseCase{queue: queue, exporter: exporter, storage: storage, clock: clock}
}

func (uc *AuditExportUseCase) Handle(ctx context.Context, payload []byte) error {
	var task AuditExportTaskPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &task); err != nil {
			return domain.WrapError(domain.ErrValidation, "decode audit export payload", err)
		}
	}

	since := uc.clock.Now().Add(-24 * time.Hour)
	if task.Since != nil {
		since = *task.Since
	}

	items, err := uc.queue.ListTerminal(ctx, since)
	if err != nil {
		return fmt.Errorf("list terminal queue items: %w", err)
	}

	report, name, err := uc.exporter.Export(ctx, items)
	if err != nil {
		return fmt.Errorf("render audit export: %w", err)
	}
	if err := uc.storage.Save(ctx, "audit/"+name, report); err != nil {
		return fmt.Errorf("store audit export: %w", err)
	}
	return nil
}
