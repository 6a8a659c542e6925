package scanapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/infrastructure/resilience"
)

func newTestExecutor() *resilience.Executor {
	cfg := resilience.DefaultConfig()
	cfg.RetryMaxAttempts = 1
	cfg.BreakerEnabled = false
	return resilience.NewExecutor(cfg)
}

func TestAllocateBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/batches" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"batch_id":"b-1","upload_url":"https://files.example/u/b-1"}`))
	}))
	defer server.Close()

	client := New(server.URL, "key-1", Options{Executor: newTestExecutor()})
	batch, err := client.AllocateBatch(context.Background(), "invoice.pdf", 2048)
	if err != nil {
		t.Fatalf("AllocateBatch() error = %v", err)
	}
	if batch.BatchID != "b-1" || batch.UploadURL != "https://files.example/u/b-1" {
		t.Fatalf("unexpected batch %+v", batch)
	}
}

func TestAllocateBatchRejectionIsValidation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unsupported file type"}`, http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := New(server.URL, "key-1", Options{Executor: newTestExecutor()})
	_, err := client.AllocateBatch(context.Background(), "invoice.exe", 2048)
	if err == nil {
		t.Fatalf("expected rejection error")
	}
	if !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected validation kind, got %v", err)
	}
}

func TestUploadContentSendsRawRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		// The upload URL is pre-signed over the raw request; any added
		// header would break the signature.
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("upload must not carry Authorization, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "" {
			t.Errorf("upload must not set Content-Type, got %q", got)
		}
		if r.ContentLength != 11 {
			t.Errorf("expected content length 11, got %d", r.ContentLength)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New("https://api.unused.example", "key-1", Options{Executor: newTestExecutor()})
	err := client.UploadContent(context.Background(), server.URL+"/u/b-1", strings.NewReader("hello world"), 11)
	if err != nil {
		t.Fatalf("UploadContent() error = %v", err)
	}
}

func TestUploadContentServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New("https://api.unused.example", "key-1", Options{Executor: newTestExecutor()})
	err := client.UploadContent(context.Background(), server.URL+"/u/b-1", strings.NewReader("x"), 1)
	if !domain.IsKind(err, domain.ErrTransient) {
		t.Fatalf("expected transient kind, got %v", err)
	}
}

func TestBatchStatusMapsElementStates(t *testing.T) {
	cases := []struct {
		vendor string
		want   domain.VendorElementState
	}{
		{"waiting", domain.VendorWaiting},
		{"running", domain.VendorRunning},
		{"done", domain.VendorDone},
		{"error", domain.VendorError},
	}
	for _, tc := range cases {
		t.Run(tc.vendor, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/batches/b-1" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"elements":[{"state":"` + tc.vendor + `","result_url":"/v1/results/r-1","message":""}]}`))
			}))
			defer server.Close()

			client := New(server.URL, "key-1", Options{Executor: newTestExecutor(), PollRPS: 100})
			status, err := client.BatchStatus(context.Background(), "b-1")
			if err != nil {
				t.Fatalf("BatchStatus() error = %v", err)
			}
			if status.State != tc.want {
				t.Fatalf("state = %s, want %s", status.State, tc.want)
			}
		})
	}
}

func TestBatchStatusUnknownStateIsValidation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"elements":[{"state":"exploded"}]}`))
	}))
	defer server.Close()

	client := New(server.URL, "key-1", Options{Executor: newTestExecutor(), PollRPS: 100})
	_, err := client.BatchStatus(context.Background(), "b-1")
	if !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected validation kind, got %v", err)
	}
}

func TestFetchResultFollowsAbsoluteRef(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/results/r-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"fields":{"invoice_number":"INV-42","total":"199.00"},"complete":false}`))
	}))
	defer server.Close()

	client := New("https://api.unused.example", "key-1", Options{Executor: newTestExecutor()})
	fields, complete, err := client.FetchResult(context.Background(), server.URL+"/v1/results/r-1")
	if err != nil {
		t.Fatalf("FetchResult() error = %v", err)
	}
	if complete {
		t.Fatalf("expected incomplete result")
	}
	if fields["invoice_number"] != "INV-42" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestTransientServerErrorRetriesThenSucceeds(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "warming up", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"batch_id":"b-1","upload_url":"https://files.example/u/b-1"}`))
	}))
	defer server.Close()

	cfg := resilience.DefaultConfig()
	cfg.RetryMaxAttempts = 2
	cfg.RetryInitialBackoff = time.Millisecond
	cfg.BreakerEnabled = false
	client := New(server.URL, "key-1", Options{Executor: resilience.NewExecutor(cfg)})

	if _, err := client.AllocateBatch(context.Background(), "invoice.pdf", 10); err != nil {
		t.Fatalf("AllocateBatch() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}
