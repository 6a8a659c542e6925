// Package worker drains the durable queue: a fixed set of slots claim
// tasks, dispatch them to kind-specific handlers and settle the item
// according to the handler's error.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/core/ports"
)

// Handler processes one claimed item. A nil return completes the item; a
// domain.ErrValidation return parks it permanently; any other error
// schedules a retry under the queue's policy.
type Handler func(ctx context.Context, item *domain.QueueItem) error

// Metrics is the subset of worker metrics the pool reports into.
type Metrics interface {
	StartTask()
	FinishTask(kind domain.TaskKind, duration time.Duration, err error)
	ObserveQueueLag(kind domain.TaskKind, lag time.Duration)
	AddReaped(count int)
}

type Config struct {
	WorkerID     string
	Queues       []string
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
	TaskTimeout  time.Duration

	ReapInterval      time.Duration
	TerminalRetention time.Duration
}

func (c Config) normalize() Config {
	out := c
	if out.WorkerID == "" {
		out.WorkerID = "worker"
	}
	if len(out.Queues) == 0 {
		out.Queues = []string{domain.DefaultQueue}
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 4
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.Lease <= 0 {
		out.Lease = 2 * time.Minute
	}
	if out.TaskTimeout <= 0 {
		out.TaskTimeout = 10 * time.Minute
	}
	if out.ReapInterval <= 0 {
		out.ReapInterval = 30 * time.Second
	}
	if out.TerminalRetention <= 0 {
		out.TerminalRetention = 30 * 24 * time.Hour
	}
	return out
}

// Pruner removes aged rows (rate-limit hits, settled OCR jobs); the
// reaper drives each one on the same cadence as lease recovery.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// PruneFunc adapts a closure to Pruner.
type PruneFunc func(ctx context.Context) (int, error)

func (f PruneFunc) Prune(ctx context.Context) (int, error) { return f(ctx) }

type Pool struct {
	queue    ports.QueueStore
	bus      ports.EventBus
	pruners  []Pruner
	metrics  Metrics
	handlers map[domain.TaskKind]Handler
	cfg      Config

	wake chan struct{}
}

func NewPool(queue ports.QueueStore, bus ports.EventBus, metrics Metrics, cfg Config, pruners ...Pruner) *Pool {
	return &Pool{
		queue:    queue,
		bus:      bus,
		pruners:  pruners,
		metrics:  metrics,
		handlers: make(map[domain.TaskKind]Handler),
		cfg:      cfg.normalize(),
		wake:     make(chan struct{}, 1),
	}
}

func (p *Pool) Register(kind domain.TaskKind, handler Handler) {
	p.handlers[kind] = handler
}

// Run blocks until ctx is cancelled. Handlers must be registered before
// Run is called.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.handlers) == 0 {
		return fmt.Errorf("worker pool started with no handlers")
	}

	if p.bus != nil {
		for _, queue := range p.cfg.Queues {
			unsubscribe, err := p.bus.SubscribeWake(ctx, queue, p.nudge)
			if err != nil {
				slog.Warn("wake_subscribe_failed", "queue", queue, "error", err)
				continue
			}
			defer unsubscribe()
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		slot := fmt.Sprintf("%s-%d", p.cfg.WorkerID, i)
		go func() {
			defer wg.Done()
			p.slotLoop(ctx, slot)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reaperLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

// nudge is lossy on purpose: one pending signal is enough to wake a slot.
func (p *Pool) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) slotLoop(ctx context.Context, slot string) {
	for {
		if ctx.Err() != nil {
			return
		}

		item, err := p.queue.Claim(ctx, p.cfg.Queues, slot, p.cfg.Lease)
		if err != nil {
			slog.Error("queue_claim_failed", "slot", slot, "error", err)
			p.idle(ctx)
			continue
		}
		if item == nil {
			p.idle(ctx)
			continue
		}

		p.handle(ctx, slot, item)
	}
}

func (p *Pool) idle(ctx context.Context) {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-p.wake:
	case <-timer.C:
	}
}

func (p *Pool) handle(ctx context.Context, slot string, item *domain.QueueItem) {
	if p.metrics != nil {
		p.metrics.StartTask()
		p.metrics.ObserveQueueLag(item.Kind, time.Since(item.AvailableAt))
	}
	started := time.Now()

	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		p.renewLoop(renewCtx, slot, item.ID)
	}()

	err := p.dispatch(ctx, item)

	stopRenew()
	<-renewDone

	if p.metrics != nil {
		p.metrics.FinishTask(item.Kind, time.Since(started), err)
	}

	p.settle(ctx, slot, item, err)
}

// renewLoop keeps the claim alive while the handler runs. Renewing at half
// the lease leaves room for one failed renewal before the reaper can take
// the item back.
func (p *Pool) renewLoop(ctx context.Context, slot, itemID string) {
	ticker := time.NewTicker(p.cfg.Lease / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := p.queue.RenewLease(ctx, itemID, slot, p.cfg.Lease); err != nil {
			if domain.IsKind(err, domain.ErrNotFound) {
				// The claim is gone; the handler's final write will CAS-fail.
				slog.Warn("lease_lost", "slot", slot, "item_id", itemID)
				return
			}
			slog.Warn("lease_renew_failed", "slot", slot, "item_id", itemID, "error", err)
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, item *domain.QueueItem) (err error) {
	handler, ok := p.handlers[item.Kind]
	if !ok {
		return domain.WrapError(domain.ErrValidation, "dispatch task",
			fmt.Errorf("no handler for kind %q", item.Kind))
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()
	return handler(taskCtx, item)
}

func (p *Pool) settle(ctx context.Context, slot string, item *domain.QueueItem, taskErr error) {
	// Settlement runs even when the pool is shutting down, otherwise the
	// finished work would be redelivered after the lease expires.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if taskErr == nil {
		if err := p.queue.Complete(settleCtx, item.ID); err != nil {
			slog.Error("queue_complete_failed", "slot", slot, "item_id", item.ID, "error", err)
		}
		return
	}

	retryable := !domain.IsKind(taskErr, domain.ErrValidation)
	slog.Warn("task_failed",
		"slot", slot,
		"item_id", item.ID,
		"kind", string(item.Kind),
		"attempt", item.AttemptCount+1,
		"retryable", retryable,
		"error", taskErr,
	)
	if err := p.queue.Fail(settleCtx, item.ID, retryable, taskErr.Error()); err != nil {
		slog.Error("queue_fail_failed", "slot", slot, "item_id", item.ID, "error", err)
	}
}

// reaperLoop recovers expired leases, purges aged terminal items and
// drives the registered pruners. Every worker runs one; the operations
// are idempotent so overlap between workers is harmless.
func (p *Pool) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if reaped, err := p.queue.ReapExpired(ctx); err != nil {
			slog.Error("reap_expired_failed", "error", err)
		} else if reaped > 0 {
			slog.Info("leases_reaped", "count", reaped)
			if p.metrics != nil {
				p.metrics.AddReaped(reaped)
			}
			p.nudge()
		}

		if purged, err := p.queue.PurgeTerminal(ctx, p.cfg.TerminalRetention); err != nil {
			slog.Error("purge_terminal_failed", "error", err)
		} else if purged > 0 {
			slog.Info("terminal_items_purged", "count", purged)
		}

		for _, pruner := range p.pruners {
			if _, err := pruner.Prune(ctx); err != nil {
				slog.Error("prune_failed", "error", err)
			}
		}
	}
}
