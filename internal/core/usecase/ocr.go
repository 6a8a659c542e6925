package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/core/ports"
)

// OcrConfig bounds a single orchestration run.
type OcrConfig struct {
	PollInterval  time.Duration
	Timeout       time.Duration
	UploadRetries int
	UploadBackoff time.Duration
}

func (c OcrConfig) normalize() OcrConfig {
	out := c
	if out.PollInterval <= 0 {
		out.PollInterval = 15 * time.Second
	}
	if out.Timeout <= 0 {
		out.Timeout = 5 * time.Minute
	}
	if out.UploadRetries <= 0 {
		out.UploadRetries = 3
	}
	if out.UploadBackoff <= 0 {
		out.UploadBackoff = 2 * time.Second
	}
	return out
}

// OcrOrchestrator drives one document through the vendor protocol:
// allocate a batch, upload the bytes, poll until the vendor settles,
// fetch and persist the parsed result. Every phase change is a
// compare-and-set against the stored job, so a late vendor response can
// never overwrite a phase the job already left. Keeping two live runs
// off the same document is the queue's job: the worker renews its claim
// for as long as the handler runs.
type OcrOrchestrator struct {
	jobs   ports.OcrJobStore
	vendor ports.OcrVendor
	clock  ports.Clock
	cfg    OcrConfig
}

func NewOcrOrchestrator(jobs ports.OcrJobStore, vendor ports.OcrVendor, clock ports.Clock, cfg OcrConfig) *OcrOrchestrator {
	return &OcrOrchestrator{
		jobs:   jobs,
		vendor: vendor,
		clock:  clock,
		cfg:    cfg.normalize(),
	}
}

// Run processes the document's content end to end and returns the parsed
// fields. A domain.ErrValidation return means the failure is final and the
// task must not be retried; domain.ErrTransient failures may be.
func (o *OcrOrchestrator) Run(
	ctx context.Context,
	doc *domain.Document,
	content io.Reader,
) (domain.FieldMap, bool, error) {
	job := &domain.OcrJob{
		ID:           uuid.NewString(),
		DocumentID:   doc.ID,
		Phase:        domain.PhaseSubmitted,
		SubmittedAt:  o.clock.Now().UTC(),
		PollInterval: o.cfg.PollInterval,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, false, fmt.Errorf("create ocr job: %w", err)
	}

	fields, lowConfidence, err := o.run(ctx, job, doc, content)
	if err != nil && domain.IsKind(err, domain.ErrStalePhase) {
		// Another run owns the job now; drop this one without failing the task.
		slog.Warn("ocr_run_superseded", "job_id", job.ID, "document_id", doc.ID)
		return nil, false, err
	}
	return fields, lowConfidence, err
}

func (o *OcrOrchestrator) run(
	ctx context.Context,
	job *domain.OcrJob,
	doc *domain.Document,
	content io.Reader,
) (domain.FieldMap, bool, error) {
	batch, err := o.allocate(ctx, job, doc)
	if err != nil {
		return nil, false, err
	}

	if err := o.upload(ctx, job, doc, batch, content); err != nil {
		return nil, false, err
	}

	resultRef, err := o.poll(ctx, job, batch.BatchID)
	if err != nil {
		return nil, false, err
	}

	return o.fetch(ctx, job, resultRef)
}

func (o *OcrOrchestrator) allocate(ctx context.Context, job *domain.OcrJob, doc *domain.Document) (domain.VendorBatch, error) {
	batch, err := o.vendor.AllocateBatch(ctx, doc.Filename, doc.SizeBytes)
	if err != nil {
		if domain.IsKind(err, domain.ErrValidation) {
			return domain.VendorBatch{}, o.fail(ctx, job, domain.PhaseSubmitted, domain.FailureVendorRejected, err)
		}
		return domain.VendorBatch{}, domain.WrapError(domain.ErrTransient, "allocate batch", err)
	}

	if err := o.jobs.SetVendorBatch(ctx, job.ID, batch.BatchID); err != nil {
		return domain.VendorBatch{}, fmt.Errorf("record vendor batch: %w", err)
	}
	if err := o.jobs.AdvancePhase(ctx, job.ID, domain.PhaseSubmitted, domain.PhaseUploadPending); err != nil {
		return domain.VendorBatch{}, err
	}
	job.Phase = domain.PhaseUploadPending
	return batch, nil
}

func (o *OcrOrchestrator) upload(
	ctx context.Context,
	job *domain.OcrJob,
	doc *domain.Document,
	batch domain.VendorBatch,
	content io.Reader,
) error {
	// The vendor URL is single-use per request, so the body must be
	// rewindable across retries.
	raw, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("read document content: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= o.cfg.UploadRetries; attempt++ {
		lastErr = o.vendor.UploadContent(ctx, batch.UploadURL, bytes.NewReader(raw), int64(len(raw)))
		if lastErr == nil {
			break
		}
		if domain.IsKind(lastErr, domain.ErrValidation) || ctx.Err() != nil {
			break
		}
		slog.Warn("ocr_upload_retry",
			"job_id", job.ID, "attempt", attempt, "max_attempts", o.cfg.UploadRetries, "error", lastErr)
		if attempt < o.cfg.UploadRetries {
			backoff := o.cfg.UploadBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
			case <-o.clock.After(backoff):
			}
		}
	}
	if lastErr != nil {
		return o.fail(ctx, job, domain.PhaseUploadPending, domain.FailureTransfer, lastErr)
	}

	if err := o.jobs.AdvancePhase(ctx, job.ID, domain.PhaseUploadPending, domain.PhaseUploadDone); err != nil {
		return err
	}
	if err := o.jobs.AdvancePhase(ctx, job.ID, domain.PhaseUploadDone, domain.PhasePolling); err != nil {
		return err
	}
	job.Phase = domain.PhasePolling
	return nil
}

// poll waits for the vendor to settle the batch, bounded by the configured
// timeout. Transient status errors do not abort the loop; only the
// deadline or a settled state ends it.
func (o *OcrOrchestrator) poll(ctx context.Context, job *domain.OcrJob, batchID string) (string, error) {
	deadline := o.clock.Now().Add(o.cfg.Timeout)

	for {
		if o.clock.Now().After(deadline) {
			return "", o.fail(ctx, job, domain.PhasePolling, domain.FailureTimeout,
				fmt.Errorf("vendor did not settle batch %s within %s", batchID, o.cfg.Timeout))
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		status, err := o.vendor.BatchStatus(ctx, batchID)
		if err != nil {
			if domain.IsKind(err, domain.ErrValidation) {
				return "", o.fail(ctx, job, domain.PhasePolling, domain.FailureVendorRejected, err)
			}
			slog.Warn("ocr_poll_error", "job_id", job.ID, "batch_id", batchID, "error", err)
		} else {
			if markErr := o.jobs.MarkPolled(ctx, job.ID, o.clock.Now().UTC()); markErr != nil {
				slog.Warn("ocr_mark_polled_failed", "job_id", job.ID, "error", markErr)
			}
			switch status.State {
			case domain.VendorDone:
				return status.ResultRef, nil
			case domain.VendorError:
				return "", o.fail(ctx, job, domain.PhasePolling, domain.FailureVendorRejected,
					fmt.Errorf("vendor reported error: %s", status.Message))
			case domain.VendorWaiting, domain.VendorRunning:
				// keep polling
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-o.clock.After(o.cfg.PollInterval):
		}
	}
}

func (o *OcrOrchestrator) fetch(ctx context.Context, job *domain.OcrJob, resultRef string) (domain.FieldMap, bool, error) {
	fields, complete, err := o.vendor.FetchResult(ctx, resultRef)
	if err != nil {
		if domain.IsKind(err, domain.ErrValidation) {
			return nil, false, o.fail(ctx, job, domain.PhasePolling, domain.FailureParse, err)
		}
		return nil, false, domain.WrapError(domain.ErrTransient, "fetch result", err)
	}
	if len(fields) == 0 {
		return nil, false, o.fail(ctx, job, domain.PhasePolling, domain.FailureParse,
			errors.New("vendor result contained no fields"))
	}

	lowConfidence := !complete
	if err := o.jobs.SaveResult(ctx, job.ID, fields, lowConfidence); err != nil {
		return nil, false, err
	}
	job.Phase = domain.PhaseDone
	return fields, lowConfidence, nil
}

// fail parks the job in the failed phase and returns an error of the
// matching retryability: vendor rejections and parse failures are final,
// timeouts and transfer errors are worth another attempt.
func (o *OcrOrchestrator) fail(
	ctx context.Context,
	job *domain.OcrJob,
	from domain.OcrPhase,
	failure domain.OcrFailure,
	cause error,
) error {
	if err := o.jobs.MarkFailed(ctx, job.ID, from, failure, cause.Error()); err != nil {
		if domain.IsKind(err, domain.ErrStalePhase) {
			return err
		}
		slog.Error("ocr_mark_failed_error", "job_id", job.ID, "failure", string(failure), "error", err)
	}
	job.Phase = domain.PhaseFailed
	job.Failure = failure

	operation := fmt.Sprintf("ocr %s", failure)
	switch failure {
	case domain.FailureTimeout, domain.FailureTransfer:
		return domain.WrapError(domain.ErrTransient, operation, cause)
	default:
		return domain.WrapError(domain.ErrValidation, operation, cause)
	}
}
