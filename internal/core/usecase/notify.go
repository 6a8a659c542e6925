package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/core/ports"
)

// NotifyCompletionUseCase is the notify task handler: it fans the final
// document status out on the event bus for the invoice application to
// consume.
type NotifyCompletionUseCase struct {
	bus ports.EventBus
}

func NewNotifyCompletionUseCase(bus ports.EventBus) *NotifyCompletionUseCase {
	return &NotifyCompletionUseCase{bus: bus}
}

func (uc *NotifyCompletionUseCase) Handle(ctx context.Context, payload []byte) error {
	var task NotifyTaskPayload
	if err := json.Unmarshal(payload, &task); err != nil {
		return domain.WrapError(domain.ErrValidation, "decode notify payload", err)
	}
	if task.DocumentID == "" {
		return domain.WrapError(domain.ErrValidation, "decode notify payload",
			fmt.Errorf("missing document_id"))
	}

	if err := uc.bus.PublishCompleted(ctx, task.DocumentID, task.Status); err != nil {
		return domain.WrapError(domain.ErrTransient, "publish completion event", err)
	}
	return nil
}
