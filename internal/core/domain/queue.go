package domain

import (
	"encoding/json"
	"time"
)

type QueueState string

const (
	QueuePending         QueueState = "pending"
	QueueClaimed         QueueState = "claimed"
	QueueSucceeded       QueueState = "succeeded"
	QueueFailedRetryable QueueState = "failed_retryable"
	QueueFailedPermanent QueueState = "failed_permanent"
)

// IsTerminal reports whether no further automatic transition occurs.
func (s QueueState) IsTerminal() bool {
	return s == QueueSucceeded || s == QueueFailedPermanent
}

type TaskKind string

const (
	TaskOCR         TaskKind = "ocr"
	TaskNotify      TaskKind = "notify"
	TaskAuditExport TaskKind = "audit_export"
)

const DefaultQueue = "documents"

type QueueItem struct {
	ID           string          `json:"id"`
	QueueName    string          `json:"queue_name"`
	Kind         TaskKind        `json:"task_kind"`
	Payload      json.RawMessage `json:"payload"`
	State        QueueState      `json:"state"`
	Priority     int             `json:"priority"`
	AttemptCount int             `json:"attempt_count"`
	AvailableAt  time.Time       `json:"available_at"`
	CreatedAt    time.Time       `json:"created_at"`
	ClaimedBy    string          `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

// Transition is one row of the append-only audit log. Seq is assigned by
// the store and is monotonic across all items.
type Transition struct {
	Seq       int64      `json:"seq"`
	ItemID    string     `json:"item_id"`
	FromState QueueState `json:"from_state"`
	ToState   QueueState `json:"to_state"`
	WorkerID  string     `json:"worker_id,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// RetryPolicy governs re-enqueue timing and the permanent-failure
// threshold. It is shared by the worker pool and the queue store.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     time.Hour,
		Multiplier:     2.0,
	}
}

// Delay returns the backoff before the given attempt (1-based) is offered
// again. Attempts past MaxAttempts are the caller's problem; Delay still
// returns the capped value.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= p.Multiplier
		if time.Duration(backoff) >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if time.Duration(backoff) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(backoff)
}

// Normalize fills zero values with defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	out := p
	def := DefaultRetryPolicy()
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = def.InitialBackoff
	}
	if out.MaxBackoff < out.InitialBackoff {
		out.MaxBackoff = def.MaxBackoff
	}
	if out.Multiplier < 1.0 {
		out.Multiplier = def.Multiplier
	}
	return out
}
