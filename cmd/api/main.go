package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	httpadapter "github.com/mstepanov/invoice-ingest/internal/adapters/http"
	"github.com/mstepanov/invoice-ingest/internal/bootstrap"
	"github.com/mstepanov/invoice-ingest/internal/config"
	"github.com/mstepanov/invoice-ingest/internal/observability/logging"
	"github.com/mstepanov/invoice-ingest/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.NewJSONLogger("api", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap error", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	serverMetrics := metrics.NewHTTPServerMetrics("api")
	router := httpadapter.NewRouter(
		app.EnqueueUC,
		app.StatusUC,
		app.RestoreUC,
		app.DeleteUC,
		app.Queue,
		app.RateLimiter,
		serverMetrics,
		httpadapter.RouterConfig{
			Service:     "api",
			UploadLimit: httpadapter.RouteLimit{Limit: cfg.UploadRateLimit, Window: cfg.UploadRateWindow},
			StatusLimit: httpadapter.RouteLimit{Limit: cfg.StatusRateLimit, Window: cfg.StatusRateWindow},
		},
	).Handler()

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/metrics", serverMetrics.Handler())

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		slog.Error("listen error", "port", cfg.APIPort, "error", err)
		os.Exit(1)
	}
	if cfg.MaxAPIConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxAPIConnections)
	}

	go func() {
		slog.Info("api listening", "port", cfg.APIPort, "max_connections", cfg.MaxAPIConnections)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api shutdown error", "error", err)
	}
}
