// Package nats carries the pipeline's wake nudges and completion events.
// The durable queue in Postgres remains the source of truth; a lost NATS
// message only delays work until the next poll tick.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mstepanov/invoice-ingest/internal/core/domain"
	"github.com/mstepanov/invoice-ingest/internal/infrastructure/resilience"
)

type Bus struct {
	conn         *nats.Conn
	wakeSubject  string
	eventSubject string
	executor     *resilience.Executor
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url, wakeSubject, eventSubject string) (*Bus, error) {
	return NewWithOptions(url, wakeSubject, eventSubject, Options{})
}

func NewWithOptions(url, wakeSubject, eventSubject string, options Options) (*Bus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("invoice-ingest"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{
		conn:         conn,
		wakeSubject:  wakeSubject,
		eventSubject: eventSubject,
		executor:     options.ResilienceExecutor,
	}, nil
}

func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// PublishWake nudges idle workers on the given queue.
func (b *Bus) PublishWake(ctx context.Context, queue string) error {
	return b.publish(ctx, b.wakeSubject+"."+queue, []byte(queue), "nats.wake")
}

type completedEvent struct {
	DocumentID string                `json:"document_id"`
	Status     domain.DocumentStatus `json:"status"`
	At         time.Time             `json:"at"`
}

// PublishCompleted announces a settled document to the invoice application.
func (b *Bus) PublishCompleted(ctx context.Context, documentID string, status domain.DocumentStatus) error {
	payload, err := json.Marshal(completedEvent{
		DocumentID: documentID,
		Status:     status,
		At:         time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode completion event: %w", err)
	}
	return b.publish(ctx, b.eventSubject, payload, "nats.completed")
}

func (b *Bus) publish(ctx context.Context, subject string, payload []byte, operation string) error {
	call := func(_ context.Context) error {
		if err := b.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	var err error
	if b.executor != nil {
		err = b.executor.Execute(ctx, operation, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return wrapTransientIfNeeded(err)
}

// SubscribeWake invokes notify on every wake nudge for the queue. The
// returned function drains the subscription.
func (b *Bus) SubscribeWake(_ context.Context, queue string, notify func()) (func(), error) {
	sub, err := b.conn.Subscribe(b.wakeSubject+"."+queue, func(_ *nats.Msg) {
		notify()
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}

	return func() {
		if err := sub.Drain(); err != nil {
			slog.Warn("nats_drain_failed", "queue", queue, "error", err)
		}
	}, nil
}
