package httpadapter

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mstepanov/invoice-ingest/internal/core/ports"
)

// RouteLimit is the sliding-window budget for one route.
type RouteLimit struct {
	Limit  int
	Window time.Duration
}

// RateLimitReporter receives rejected-request notifications.
type RateLimitReporter interface {
	RecordRateLimited(service, path string)
}

// rateLimitMiddleware rejects requests over the per-identity budget for
// the matched route. The limiter store is authoritative; on store errors
// the request is admitted, since dropping ingress over a limiter outage
// would be worse than briefly over-admitting.
func rateLimitMiddleware(
	limiter ports.RateLimiter,
	limits map[string]RouteLimit,
	service string,
	reporter RateLimitReporter,
	next http.Handler,
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := normalizeRoute(r)
		if route == "" {
			next.ServeHTTP(w, r)
			return
		}
		limit, ok := limits[route]
		if !ok || limit.Limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := clientIdentity(r) + ":" + route
		allowed, err := limiter.Allow(r.Context(), key, limit.Limit, limit.Window)
		if err != nil {
			slog.Error("rate_limiter_error", "key", key, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			if reporter != nil {
				reporter.RecordRateLimited(service, r.URL.Path)
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(limit.Window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIdentity keys the window by remote host; a trusted proxy header
// wins when present.
func clientIdentity(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// normalizeRoute collapses id-bearing paths so one budget covers a route,
// not each document. Unbudgeted paths return "".
func normalizeRoute(r *http.Request) string {
	switch {
	case r.URL.Path == "/v1/documents" && r.Method == http.MethodPost:
		return "upload"
	case strings.HasPrefix(r.URL.Path, "/v1/documents/"):
		return "status"
	default:
		return ""
	}
}
