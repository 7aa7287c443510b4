// Package unlock releases referral commissions whose hold period has
// elapsed, crediting the recipient's balance in the same transaction.
package unlock

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

const job = string(model.JobCommissionUnlock)

// ErrInvalidCommission is returned when a granted commission cannot be held.
var ErrInvalidCommission = errors.New("unlock: invalid commission")

// Store is the persistence the engine needs.
type Store interface {
	ListUnlockableCommissions(ctx context.Context, asOf time.Time) ([]model.Commission, error)
	UnlockCommission(ctx context.Context, id string, at time.Time, txn *model.BalanceTransaction) error
	CreateCommission(ctx context.Context, c *model.Commission) error
}

// Options are the optional collaborators of an Engine.
type Options struct {
	// Policy defaults to DefaultHoldPolicy.
	Policy   HoldPolicy
	Clock    calendar.Clock
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Result summarizes one unlock pass.
type Result struct {
	Unlocked    int             `json:"unlocked"`
	Skipped     int             `json:"skipped"`
	Errors      int             `json:"errors"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// Stats converts the result to run statistics.
func (r Result) Stats() model.RunStats {
	return model.RunStats{
		ProcessedCount: r.Unlocked,
		SkippedCount:   r.Skipped,
		ErrorCount:     r.Errors,
		TotalAmount:    r.TotalAmount,
	}
}

// Engine is the commission unlock engine.
type Engine struct {
	store    Store
	cal      calendar.Calendar
	policy   HoldPolicy
	clock    calendar.Clock
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewEngine creates an unlock engine.
func NewEngine(st Store, cal calendar.Calendar, opts Options) *Engine {
	e := &Engine{store: st, cal: cal, policy: opts.Policy, clock: opts.Clock, notifier: opts.Notifier, logger: opts.Logger}
	if e.policy == (HoldPolicy{}) {
		e.policy = DefaultHoldPolicy
	}
	if e.clock == nil {
		e.clock = calendar.SystemClock
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Hold records a newly granted commission as pending. Its unlock date is
// derived from the hold policy; any value set by the caller is replaced.
func (e *Engine) Hold(ctx context.Context, c *model.Commission) error {
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommission, c.Type)
	}
	if !c.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidCommission, c.Amount)
	}
	if c.RecipientUserID == "" || c.Currency == "" {
		return fmt.Errorf("%w: recipient and currency are required", ErrInvalidCommission)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = e.clock()
	}
	c.Status = model.CommissionPending
	c.UnlockedAt = nil
	e.policy.Stamp(c, e.cal)

	if err := e.store.CreateCommission(ctx, c); err != nil {
		return fmt.Errorf("create commission: %w", err)
	}
	e.logger.Info("commission held", "commission_id", c.ID, "type", c.Type,
		"recipient_user_id", c.RecipientUserID, "unlock_date", e.cal.Key(c.UnlockDate))
	return nil
}

// Run unlocks every pending commission whose unlock date is on or before
// date (YYYY-MM-DD). Unlocking is terminal and never re-locks.
func (e *Engine) Run(ctx context.Context, date, actor string) (Result, error) {
	res := Result{TotalAmount: decimal.Zero}
	day, err := e.cal.Parse(date)
	if err != nil {
		return res, err
	}
	due, err := e.store.ListUnlockableCommissions(ctx, day)
	if err != nil {
		return res, fmt.Errorf("list unlockable commissions: %w", err)
	}

	for i := range due {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("unlock interrupted after %d commissions: %w", i, err)
		}
		c := &due[i]
		now := e.clock()
		txn := &model.BalanceTransaction{
			ID:          uuid.NewString(),
			UserID:      c.RecipientUserID,
			Currency:    c.Currency,
			Amount:      c.Amount,
			Kind:        model.TxCommissionUnlock,
			ReferenceID: c.ID,
			Description: fmt.Sprintf("Commission unlock (%s, level %d)", c.Type, c.Level),
			ActorID:     actor,
			CreatedAt:   now,
		}

		err := e.store.UnlockCommission(ctx, c.ID, now, txn)
		switch {
		case errors.Is(err, model.ErrCommissionNotPending):
			res.Skipped++
			metrics.ItemsTotal.WithLabelValues(job, "skipped").Inc()
			continue
		case err != nil:
			res.Errors++
			metrics.ItemsTotal.WithLabelValues(job, "failed").Inc()
			e.logger.Error("commission unlock failed",
				"job", job, "date", date, "commission_id", c.ID, "type", c.Type,
				"recipient_user_id", c.RecipientUserID, "err", err)
			continue
		}

		res.Unlocked++
		res.TotalAmount = res.TotalAmount.Add(c.Amount)
		metrics.ItemsTotal.WithLabelValues(job, "processed").Inc()
		metrics.AmountCredited.WithLabelValues(job, c.Currency).Add(c.Amount.InexactFloat64())

		if err := e.notifier.Notify(ctx, notify.Event{
			Type:        notify.EventCommissionUnlocked,
			UserID:      c.RecipientUserID,
			ReferenceID: c.ID,
			Amount:      c.Amount.String(),
			Currency:    c.Currency,
			JobType:     job,
			Date:        date,
			Message:     txn.Description,
			OccurredAt:  now,
		}); err != nil {
			e.logger.Warn("notification failed", "commission_id", c.ID, "err", err)
		}
	}
	return res, nil
}
