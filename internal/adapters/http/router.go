// Package httpadapter exposes the ingestion pipeline over HTTP: upload,
// status, restore, delete and the admin audit-export trigger.
package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/core/ports"
	"github.com/mstepanov/invoice-ingest/internal/core/usecase"
	"github.com/mstepanov/invoice-ingest/internal/observability/metrics"
)

type Router struct {
	ingestor ports.DocumentIngestor
	status   ports.DocumentStatusReader
	restorer ports.DocumentRestorer
	deleter  ports.DocumentDeleter
	queue    ports.QueueStore
	limiter  ports.RateLimiter
	limits   map[string]RouteLimit
	metrics  *metrics.HTTPServerMetrics
	service  string
}

type RouterConfig struct {
	Service     string
	UploadLimit RouteLimit
	StatusLimit RouteLimit
}

func NewRouter(
	ingestor ports.DocumentIngestor,
	status ports.DocumentStatusReader,
	restorer ports.DocumentRestorer,
	deleter ports.DocumentDeleter,
	queue ports.QueueStore,
	limiter ports.RateLimiter,
	serverMetrics *metrics.HTTPServerMetrics,
	cfg RouterConfig,
) *Router {
	service := cfg.Service
	if service == "" {
		service = "api"
	}
	return &Router{
		ingestor: ingestor,
		status:   status,
		restorer: restorer,
		deleter:  deleter,
		queue:    queue,
		limiter:  limiter,
		limits: map[string]RouteLimit{
			"upload": cfg.UploadLimit,
			"status": cfg.StatusLimit,
		},
		metrics: serverMetrics,
		service: service,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/documents", rt.uploadDocument)
	mux.HandleFunc("/v1/documents/", rt.documentSubroutes)
	mux.HandleFunc("/v1/admin/audit-exports", rt.triggerAuditExport)

	var handler http.Handler = mux
	if rt.limiter != nil {
		var reporter RateLimitReporter
		if rt.metrics != nil {
			reporter = rt.metrics
		}
		handler = rateLimitMiddleware(rt.limiter, rt.limits, rt.service, reporter, handler)
	}
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(rt.service, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	result, err := rt.ingestor.Enqueue(
		r.Context(),
		fileHeader.Filename,
		fileHeader.Header.Get("Content-Type"),
		file,
	)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}

	switch result.Outcome {
	case ports.OutcomeDuplicate:
		// Identical bytes already processed; point at the canonical record.
		writeJSON(w, http.StatusOK, map[string]any{
			"outcome":  result.Outcome,
			"document": result.Document,
		})
	case ports.OutcomeRestorable:
		writeJSON(w, http.StatusConflict, map[string]any{
			"outcome":     result.Outcome,
			"document_id": result.Document.ID,
			"restore_url": "/v1/documents/" + result.Document.ID + "/restore",
		})
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"outcome":       result.Outcome,
			"queue_item_id": result.QueueItemID,
			"document":      result.Document,
		})
	}
}

// documentSubroutes dispatches /v1/documents/{id}[/status|/restore].
func (rt *Router) documentSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/documents/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "document id is required"})
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		rt.getDocument(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		rt.deleteDocument(w, r, id)
	case action == "status" && r.Method == http.MethodGet:
		rt.getStatus(w, r, id)
	case action == "restore" && r.Method == http.MethodPost:
		rt.restoreDocument(w, r, id)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request, id string) {
	doc, err := rt.status.GetDocument(r.Context(), id)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) getStatus(w http.ResponseWriter, r *http.Request, id string) {
	view, err := rt.status.GetStatus(r.Context(), id)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *Router) restoreDocument(w http.ResponseWriter, r *http.Request, id string) {
	doc, err := rt.restorer.Restore(r.Context(), id)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request, id string) {
	if err := rt.deleter.Delete(r.Context(), id); err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "document_id": id})
}

func (rt *Router) triggerAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req usecase.AuditExportTaskPayload
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	itemID, err := rt.queue.Enqueue(r.Context(), domain.DefaultQueue, domain.TaskAuditExport, payload, 0, time.Duration(0))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"queue_item_id": itemID})
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= 500 {
		slog.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
