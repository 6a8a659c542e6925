// Package scanapi implements the OCR vendor's batch HTTP protocol:
// allocate an upload slot, transfer the raw bytes to the signed
// destination, poll batch status, fetch the parsed result.
package scanapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	executor   *resilience.Executor
	pollPacer  *rate.Limiter
}

type Options struct {
	HTTPTimeout time.Duration
	// PollRPS caps batch-status polls across all worker slots sharing
	// this client, keeping the pipeline inside the vendor's request budget.
	PollRPS  float64
	Executor *resilience.Executor
}

func New(baseURL, apiKey string, options Options) *Client {
	timeout := options.HTTPTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	pollRPS := options.PollRPS
	if pollRPS <= 0 {
		pollRPS = 2
	}
	executor := options.Executor
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
		pollPacer:  rate.NewLimiter(rate.Limit(pollRPS), 1),
	}
}

type allocateRequest struct {
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

type allocateResponse struct {
	BatchID   string `json:"batch_id"`
	UploadURL string `json:"upload_url"`
}

func (c *Client) AllocateBatch(ctx context.Context, fileName string, fileSize int64) (domain.VendorBatch, error) {
	var response allocateResponse
	call := func(callCtx context.Context) error {
		return c.postJSON(callCtx, "/v1/batches", allocateRequest{
			FileName: fileName,
			FileSize: fileSize,
		}, &response, "allocate")
	}

	if err := c.executor.Execute(ctx, "scanapi.allocate", call, classifyVendorError); err != nil {
		return domain.VendorBatch{}, wrapVendorError("allocate batch", err)
	}
	if response.BatchID == "" || response.UploadURL == "" {
		return domain.VendorBatch{}, domain.WrapError(domain.ErrValidation, "allocate batch",
			fmt.Errorf("vendor returned incomplete allocation: %+v", response))
	}
	return domain.VendorBatch{BatchID: response.BatchID, UploadURL: response.UploadURL}, nil
}

// UploadContent PUTs the raw bytes to the vendor-issued URL exactly as
// issued. The destination is authenticated by a signature over the raw
// request, so no auth header, content type, or transformation may be
// added here.
func (c *Client) UploadContent(ctx context.Context, uploadURL string, content io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, content)
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.ContentLength = size

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.WrapError(domain.ErrTransient, "upload content", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		err := newStatusError("upload", resp)
		if isRetryableHTTPStatus(resp.StatusCode) {
			return domain.WrapError(domain.ErrTransient, "upload content", err)
		}
		return domain.WrapError(domain.ErrValidation, "upload content", err)
	}
	return nil
}

type batchStatusResponse struct {
	Elements []struct {
		State     string `json:"state"`
		ResultURL string `json:"result_url"`
		Message   string `json:"message"`
	} `json:"elements"`
}

func (c *Client) BatchStatus(ctx context.Context, batchID string) (domain.VendorBatchStatus, error) {
	if err := c.pollPacer.Wait(ctx); err != nil {
		return domain.VendorBatchStatus{}, err
	}

	var response batchStatusResponse
	call := func(callCtx context.Context) error {
		return c.getJSON(callCtx, "/v1/batches/"+batchID, &response, "status")
	}
	if err := c.executor.Execute(ctx, "scanapi.status", call, classifyVendorError); err != nil {
		return domain.VendorBatchStatus{}, wrapVendorError("batch status", err)
	}
	if len(response.Elements) == 0 {
		return domain.VendorBatchStatus{}, domain.WrapError(domain.ErrValidation, "batch status",
			fmt.Errorf("vendor reported no elements for batch %s", batchID))
	}

	// Single-document batches: the first element is the document.
	el := response.Elements[0]
	status := domain.VendorBatchStatus{
		ResultRef: el.ResultURL,
		Message:   el.Message,
	}
	switch el.State {
	case "waiting":
		status.State = domain.VendorWaiting
	case "running":
		status.State = domain.VendorRunning
	case "done":
		status.State = domain.VendorDone
	case "error":
		status.State = domain.VendorError
	default:
		return domain.VendorBatchStatus{}, domain.WrapError(domain.ErrValidation, "batch status",
			fmt.Errorf("unknown vendor element state %q", el.State))
	}
	return status, nil
}

type resultResponse struct {
	Fields   map[string]string `json:"fields"`
	Complete bool              `json:"complete"`
}

// FetchResult retrieves the parsed field map. The second return reports
// whether the vendor considers the extraction complete; partial results
// are still usable downstream.
func (c *Client) FetchResult(ctx context.Context, resultRef string) (domain.FieldMap, bool, error) {
	var response resultResponse
	call := func(callCtx context.Context) error {
		return c.getJSON(callCtx, resultRef, &response, "result")
	}
	if err := c.executor.Execute(ctx, "scanapi.result", call, classifyVendorError); err != nil {
		return nil, false, wrapVendorError("fetch result", err)
	}
	if response.Fields == nil {
		response.Fields = map[string]string{}
	}
	return domain.FieldMap(response.Fields), response.Complete, nil
}
