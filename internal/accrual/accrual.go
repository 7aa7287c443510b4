// Package accrual posts the daily yield of every active position.
//
// Each position is handled on its own: a failure is logged and counted and
// the batch moves on. Re-running a day is safe because every entry is
// keyed by (position, cycle, day, date).
package accrual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/yield-engine/internal/calendar"
	"github.com/atmx/yield-engine/internal/metrics"
	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/notify"
)

const job = string(model.JobDailyAccrual)

// ErrNotActivated is reported for an active position that carries no
// activation timestamp.
var ErrNotActivated = errors.New("active position has no activation time")

// DefaultScale is the number of decimal places amounts are rounded to.
const DefaultScale int32 = 8

// Store is the persistence the engine needs.
type Store interface {
	ListActivePositions(ctx context.Context) ([]model.Position, error)
	CompletePosition(ctx context.Context, id string, at time.Time) (bool, error)
	BenefitEntryExists(ctx context.Context, key model.BenefitKey) (bool, error)
	PostBenefit(ctx context.Context, entry *model.BenefitEntry, txn *model.BalanceTransaction) error
}

// Options are the optional collaborators of an Engine.
type Options struct {
	Scale    int32
	Clock    calendar.Clock
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Result summarizes one accrual pass.
type Result struct {
	Processed   int             `json:"processed"`
	Skipped     int             `json:"skipped"`
	Completed   int             `json:"completed"`
	Errors      int             `json:"errors"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// Stats converts the result to run statistics. Positions completed in this
// pass count as skipped: nothing was posted for them.
func (r Result) Stats() model.RunStats {
	return model.RunStats{
		ProcessedCount: r.Processed,
		SkippedCount:   r.Skipped + r.Completed,
		ErrorCount:     r.Errors,
		TotalAmount:    r.TotalAmount,
	}
}

// Engine is the benefit accrual engine.
type Engine struct {
	store    Store
	cal      calendar.Calendar
	clock    calendar.Clock
	scale    int32
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewEngine creates an accrual engine.
func NewEngine(st Store, cal calendar.Calendar, opts Options) *Engine {
	e := &Engine{
		store:    st,
		cal:      cal,
		clock:    opts.Clock,
		scale:    opts.Scale,
		notifier: opts.Notifier,
		logger:   opts.Logger,
	}
	if e.clock == nil {
		e.clock = calendar.SystemClock
	}
	if e.scale <= 0 {
		e.scale = DefaultScale
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

type outcome int

const (
	posted outcome = iota
	skipped
	completed
)

// Run accrues the given day (YYYY-MM-DD) for every active position. actor
// is recorded on each balance transaction. The returned error is set only
// for batch-level failures; the partial result is returned with it.
func (e *Engine) Run(ctx context.Context, date, actor string) (Result, error) {
	res := Result{TotalAmount: decimal.Zero}
	day, err := e.cal.Parse(date)
	if err != nil {
		return res, err
	}
	positions, err := e.store.ListActivePositions(ctx)
	if err != nil {
		return res, fmt.Errorf("list active positions: %w", err)
	}

	for i := range positions {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("accrual interrupted after %d positions: %w", i, err)
		}
		p := &positions[i]
		out, amount, err := e.accrue(ctx, p, day, date, actor)
		if err != nil {
			res.Errors++
			metrics.ItemsTotal.WithLabelValues(job, "failed").Inc()
			e.logger.Error("accrual failed",
				"job", job, "date", date, "position_id", p.ID, "user_id", p.UserID, "err", err)
			continue
		}
		switch out {
		case posted:
			res.Processed++
			res.TotalAmount = res.TotalAmount.Add(amount)
			metrics.ItemsTotal.WithLabelValues(job, "processed").Inc()
			metrics.AmountCredited.WithLabelValues(job, p.Currency).Add(amount.InexactFloat64())
		case completed:
			res.Completed++
			metrics.ItemsTotal.WithLabelValues(job, "completed").Inc()
		default:
			res.Skipped++
			metrics.ItemsTotal.WithLabelValues(job, "skipped").Inc()
		}
	}
	return res, nil
}

func (e *Engine) accrue(ctx context.Context, p *model.Position, day time.Time, date, actor string) (outcome, decimal.Decimal, error) {
	if err := p.Plan.Validate(); err != nil {
		return 0, decimal.Zero, err
	}
	if p.ActivatedAt.IsZero() {
		return 0, decimal.Zero, ErrNotActivated
	}
	// Whole days from the activation instant to the start of the run day.
	elapsed := e.cal.ElapsedDays(p.ActivatedAt, day)
	if elapsed < 0 {
		// Not yet active when the day began.
		return skipped, decimal.Zero, nil
	}

	slot := p.Plan.SlotFor(elapsed)
	if slot.Exhausted {
		return e.complete(ctx, p, date)
	}

	key := model.BenefitKey{PositionID: p.ID, Cycle: slot.Cycle, Day: slot.Day, ScheduledDate: date}
	exists, err := e.store.BenefitEntryExists(ctx, key)
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("check entry: %w", err)
	}
	if exists {
		return skipped, decimal.Zero, nil
	}

	now := e.clock()
	amount := p.Plan.DailyAmount(p.Principal, e.scale)
	entry := &model.BenefitEntry{
		ID:            uuid.NewString(),
		PositionID:    p.ID,
		UserID:        p.UserID,
		Cycle:         slot.Cycle,
		Day:           slot.Day,
		Amount:        amount,
		Currency:      p.Currency,
		ScheduledDate: date,
		Status:        model.BenefitProcessed,
		CreatedAt:     now,
	}
	txn := &model.BalanceTransaction{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		Currency:    p.Currency,
		Amount:      amount,
		Kind:        model.TxBenefitAccrual,
		ReferenceID: entry.ID,
		Description: fmt.Sprintf("Daily benefit cycle %d day %d", slot.Cycle, slot.Day),
		ActorID:     actor,
		CreatedAt:   now,
	}
	if err := e.store.PostBenefit(ctx, entry, txn); err != nil {
		// Another runner got there first.
		if errors.Is(err, model.ErrDuplicateEntry) || errors.Is(err, model.ErrPositionNotActive) {
			return skipped, decimal.Zero, nil
		}
		return 0, decimal.Zero, fmt.Errorf("post benefit: %w", err)
	}

	e.notify(ctx, notify.Event{
		Type:        notify.EventBenefitAccrued,
		UserID:      p.UserID,
		ReferenceID: p.ID,
		Amount:      amount.String(),
		Currency:    p.Currency,
		JobType:     job,
		Date:        date,
		Message:     txn.Description,
		OccurredAt:  now,
	})
	return posted, amount, nil
}

func (e *Engine) complete(ctx context.Context, p *model.Position, date string) (outcome, decimal.Decimal, error) {
	now := e.clock()
	changed, err := e.store.CompletePosition(ctx, p.ID, now)
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("complete position: %w", err)
	}
	if !changed {
		return skipped, decimal.Zero, nil
	}
	metrics.PositionsCompleted.Inc()
	e.logger.Info("position completed",
		"job", job, "date", date, "position_id", p.ID, "user_id", p.UserID, "cycles", p.Plan.TotalCycles)
	e.notify(ctx, notify.Event{
		Type:        notify.EventPositionCompleted,
		UserID:      p.UserID,
		ReferenceID: p.ID,
		Currency:    p.Currency,
		JobType:     job,
		Date:        date,
		OccurredAt:  now,
	})
	return completed, decimal.Zero, nil
}

func (e *Engine) notify(ctx context.Context, ev notify.Event) {
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.logger.Warn("notification failed", "type", ev.Type, "user_id", ev.UserID, "err", err)
	}
}
