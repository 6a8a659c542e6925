// Package bootstrap wires the pipeline's adapters and use cases for the
// api and worker binaries.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mstepanov/invoice-ingest/internal/config"
	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/core/ports"
	"github.com/mstepanov/invoice-ingest/internal/core/usecase"
	"github.com/mstepanov/invoice-ingest/internal/infrastructure/extractor/pdftext"
	"github.com/mstepanov/invoice-ingest/internal/infrastructure/ocr/scanapi"
	"github.com/mstepanov/invoice-ingest/internal/infrastructure/queue/nats"
	"github.com/mstepanov/invoice-ingest/internal/infrastructure/report"
	"github.com/mstepanov/invoice-ingest/internal/infrastructure/repository/postgres"
	"github.com/mstepanov/invoice-ingest/internal/infrastructure/resilience"
	"github.com/mstepanov/invoice-ingest/internal/infrastructure/storage/localfs"
	"github.com/mstepanov/invoice-ingest/internal/worker"
)

type App struct {
	Config config.Config

	Queue        ports.QueueStore
	Bus          *nats.Bus
	RateLimiter  *postgres.RateRepository
	EnqueueUC    ports.DocumentIngestor
	StatusUC     ports.DocumentStatusReader
	RestoreUC    ports.DocumentRestorer
	DeleteUC     ports.DocumentDeleter
	ProcessUC    *usecase.ProcessDocumentUseCase
	NotifyUC     *usecase.NotifyCompletionUseCase
	AuditUC      *usecase.AuditExportUseCase
	WorkerConfig worker.Config

	pruners []worker.Pruner
	closeFn func()
}

// Rate hits are only read inside their route's window; anything older
// is dead weight for the reaper to trim.
const rateHitRetention = time.Hour

func New(ctx context.Context, cfg config.Config) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	policy := domain.RetryPolicy{
		MaxAttempts:    cfg.QueueMaxAttempts,
		InitialBackoff: cfg.QueueBackoffBase,
		MaxBackoff:     cfg.QueueBackoffMax,
	}.Normalize()

	queueRepo := postgres.NewQueueRepository(db, policy)
	fingerprintRepo := postgres.NewFingerprintRepository(db)
	ocrJobRepo := postgres.NewOcrJobRepository(db)
	documentRepo := postgres.NewDocumentRepository(db)
	rateRepo := postgres.NewRateRepository(db)

	for name, ensure := range map[string]func(context.Context) error{
		"queue":        queueRepo.EnsureSchema,
		"fingerprints": fingerprintRepo.EnsureSchema,
		"ocr_jobs":     ocrJobRepo.EnsureSchema,
		"documents":    documentRepo.EnsureSchema,
		"rate_hits":    rateRepo.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			return nil, fmt.Errorf("ensure %s schema: %w", name, err)
		}
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	executor := resilience.NewExecutor(resilience.DefaultConfig())

	bus, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSWakeSubject, cfg.NATSEventSubject, nats.Options{
		ResilienceExecutor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init event bus: %w", err)
	}

	vendor := scanapi.New(cfg.ScanAPIURL, cfg.ScanAPIKey, scanapi.Options{
		PollRPS:  cfg.ScanAPIPollRPS,
		Executor: executor,
	})

	clock := usecase.SystemClock{}
	sniffer := pdftext.New()

	enqueueUC := usecase.NewEnqueueDocumentUseCase(
		documentRepo, fingerprintRepo, storage, queueRepo, bus, sniffer, cfg.MaxUploadBytes)
	orchestrator := usecase.NewOcrOrchestrator(ocrJobRepo, vendor, clock, usecase.OcrConfig{
		PollInterval:  cfg.OCRPollInterval,
		Timeout:       cfg.OCRTimeout,
		UploadRetries: cfg.OCRUploadRetries,
	})
	processUC := usecase.NewProcessDocumentUseCase(documentRepo, storage, orchestrator, queueRepo)
	statusUC := usecase.NewDocumentStatusUseCase(documentRepo, ocrJobRepo)
	restoreUC := usecase.NewRestoreDocumentUseCase(documentRepo, fingerprintRepo, bus)
	deleteUC := usecase.NewDeleteDocumentUseCase(documentRepo, fingerprintRepo)
	notifyUC := usecase.NewNotifyCompletionUseCase(bus)
	auditUC := usecase.NewAuditExportUseCase(queueRepo, report.NewXLSXExporter(), storage, clock)

	workerID, err := os.Hostname()
	if err != nil || workerID == "" {
		workerID = "worker"
	}

	return &App{
		Config: cfg,

		Queue:       queueRepo,
		Bus:         bus,
		RateLimiter: rateRepo,
		EnqueueUC:   enqueueUC,
		StatusUC:    statusUC,
		RestoreUC:   restoreUC,
		DeleteUC:    deleteUC,
		ProcessUC:   processUC,
		NotifyUC:    notifyUC,
		AuditUC:     auditUC,
		WorkerConfig: worker.Config{
			WorkerID:          workerID,
			Queues:            []string{domain.DefaultQueue},
			Concurrency:       cfg.WorkerConcurrency,
			PollInterval:      cfg.QueuePollInterval,
			Lease:             cfg.QueueLeaseDuration,
			TaskTimeout:       cfg.OCRTimeout + cfg.OCRPollInterval,
			ReapInterval:      cfg.QueueReapInterval,
			TerminalRetention: cfg.TerminalRetention,
		},

		pruners: []worker.Pruner{
			worker.PruneFunc(func(ctx context.Context) (int, error) {
				return rateRepo.Prune(ctx, rateHitRetention)
			}),
			worker.PruneFunc(func(ctx context.Context) (int, error) {
				return ocrJobRepo.PurgeTerminal(ctx, cfg.TerminalRetention)
			}),
		},
		closeFn: func() {
			bus.Close()
			_ = db.Close()
		},
	}, nil
}

// NewWorkerPool assembles the pool with the task handlers registered.
func (a *App) NewWorkerPool(poolMetrics worker.Metrics) *worker.Pool {
	pool := worker.NewPool(a.Queue, a.Bus, poolMetrics, a.WorkerConfig, a.pruners...)

	pool.Register(domain.TaskOCR, func(ctx context.Context, item *domain.QueueItem) error {
		var payload usecase.OcrTaskPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return domain.WrapError(domain.ErrValidation, "decode ocr payload", err)
		}
		return a.ProcessUC.ProcessByID(ctx, payload.DocumentID)
	})
	pool.Register(domain.TaskNotify, func(ctx context.Context, item *domain.QueueItem) error {
		return a.NotifyUC.Handle(ctx, item.Payload)
	})
	pool.Register(domain.TaskAuditExport, func(ctx context.Context, item *domain.QueueItem) error {
		return a.AuditUC.Handle(ctx, item.Payload)
	})

	return pool
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
