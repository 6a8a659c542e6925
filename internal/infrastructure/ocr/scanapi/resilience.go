package scanapi

import (
	"context"
	"errors"
	"net"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/infrastructure/resilience"
)

// classifyVendorError decides retry and breaker behavior for vendor
// calls. Caller-side cancellation never counts against the breaker;
// 4xx rejections are final and not retried in place.
func classifyVendorError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if isRetryableHTTPStatus(statusErr.StatusCode) {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}

// wrapVendorError translates the transport failure into the domain
// taxonomy: permanent vendor rejections become validation errors, all
// other failures stay transient so the task is retried.
func wrapVendorError(operation string, err error) error {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && !isRetryableHTTPStatus(statusErr.StatusCode) {
		return domain.WrapError(domain.ErrValidation, operation, err)
	}
	return domain.WrapError(domain.ErrTransient, operation, err)
}
