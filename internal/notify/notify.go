// Package notify delivers ledger events to users and downstream services.
//
// Delivery is fire-and-forget: a batch never waits on, or fails because of,
// a notification sink.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/yield-engine/internal/metrics"
)

// Event types. They double as AMQP routing keys.
const (
	EventBenefitAccrued     = "benefit.accrued"
	EventPositionCompleted  = "position.completed"
	EventCommissionUnlocked = "commission.unlocked"
	EventRunCompleted       = "run.completed"
	EventRunFailed          = "run.failed"
	EventRotationSkewed     = "wallet.rotation_skewed"
)

// Event is one notification. Amount is a decimal string.
type Event struct {
	Type        string    `json:"type"`
	UserID      string    `json:"user_id,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	JobType     string    `json:"job_type,omitempty"`
	Date        string    `json:"date,omitempty"`
	Message     string    `json:"message,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Notifier accepts events for delivery.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async queues events and delivers them from a single worker. Notify never
// blocks: when the queue is full the event is dropped and counted.
type Async struct {
	next    Notifier
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger
}

// NewAsync wraps next with a queue of the given size.
func NewAsync(next Notifier, size int, logger *slog.Logger) *Async {
	if size < 1 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{
		next:    next,
		queue:   make(chan Event, size),
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

func (a *Async) Notify(_ context.Context, ev Event) error {
	select {
	case a.queue <- ev:
	default:
		metrics.NotificationsDropped.WithLabelValues("queue_full").Inc()
	}
	return nil
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued. Must be called in a goroutine.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case ev := <-a.queue:
			a.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-a.queue:
					a.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.next.Notify(ctx, ev); err != nil {
		metrics.NotificationsDropped.WithLabelValues("sink_error").Inc()
		a.logger.Warn("notification delivery failed", "type", ev.Type, "user_id", ev.UserID, "err", err)
	}
}
