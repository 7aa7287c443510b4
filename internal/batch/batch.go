// Package batch runs the daily jobs end to end: take the job lock, open the
// day's processing record, run the engine, close the record with its stats
// and release the lock.
//
// Concurrency signals (lock held elsewhere, run in progress, day already
// completed) are returned unchanged so callers can treat them as skips.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/yield-engine/internal/accrual"
	"github.com/atmx/yield-engine/internal/calendar"
	"github.com/atmx/yield-engine/internal/joblock"
	"github.com/atmx/yield-engine/internal/metrics"
	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/notify"
	"github.com/atmx/yield-engine/internal/runledger"
	"github.com/atmx/yield-engine/internal/unlock"
)

// SystemActor is recorded on balance transactions of scheduled runs.
const SystemActor = "system:scheduler"

// DefaultLockTTL bounds how long a crashed runner can block a job.
const DefaultLockTTL = 30 * time.Minute

// AccrualEngine posts one day of benefits.
type AccrualEngine interface {
	Run(ctx context.Context, date, actor string) (accrual.Result, error)
}

// UnlockEngine releases one day of commissions.
type UnlockEngine interface {
	Run(ctx context.Context, date, actor string) (unlock.Result, error)
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Locker   joblock.Locker
	Ledger   *runledger.Service
	Accrual  AccrualEngine
	Unlock   UnlockEngine
	Notifier notify.Notifier
	Calendar calendar.Calendar
	Clock    calendar.Clock
	LockTTL  time.Duration
	Logger   *slog.Logger
}

// Options tune a single run.
type Options struct {
	// Actor is recorded for audit. Defaults to SystemActor.
	Actor string
	// Force reopens a processing record regardless of its age.
	Force bool
	// Trigger describes who started the run ("scheduler", "api", "cli").
	Trigger string
}

// Runner executes batch jobs.
type Runner struct {
	locker   joblock.Locker
	ledger   *runledger.Service
	accrual  AccrualEngine
	unlock   UnlockEngine
	notifier notify.Notifier
	cal      calendar.Calendar
	clock    calendar.Clock
	lockTTL  time.Duration
	logger   *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(deps Deps) *Runner {
	r := &Runner{
		locker:   deps.Locker,
		ledger:   deps.Ledger,
		accrual:  deps.Accrual,
		unlock:   deps.Unlock,
		notifier: deps.Notifier,
		cal:      deps.Calendar,
		clock:    deps.Clock,
		lockTTL:  deps.LockTTL,
		logger:   deps.Logger,
	}
	if r.notifier == nil {
		r.notifier = notify.Nop{}
	}
	if r.clock == nil {
		r.clock = calendar.SystemClock
	}
	if r.lockTTL <= 0 {
		r.lockTTL = DefaultLockTTL
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Today returns the current day key in the reference timezone.
func (r *Runner) Today() string {
	return r.cal.Key(r.cal.Today(r.clock))
}

type workFunc func(ctx context.Context, date, actor string) (model.RunStats, error)

// RunDailyAccrual accrues date (YYYY-MM-DD, empty for today).
func (r *Runner) RunDailyAccrual(ctx context.Context, date string, opts Options) (accrual.Result, error) {
	var res accrual.Result
	_, err := r.execute(ctx, model.JobDailyAccrual, date, opts, r.accrualWork(&res))
	return res, err
}

// RunCommissionUnlock unlocks commissions due on date (empty for today).
func (r *Runner) RunCommissionUnlock(ctx context.Context, date string, opts Options) (unlock.Result, error) {
	var res unlock.Result
	_, err := r.execute(ctx, model.JobCommissionUnlock, date, opts, r.unlockWork(&res))
	return res, err
}

// RunJob runs a job by type and returns its closed processing record.
func (r *Runner) RunJob(ctx context.Context, job model.JobType, date string, opts Options) (*model.DailyRun, error) {
	switch job {
	case model.JobDailyAccrual:
		var res accrual.Result
		return r.execute(ctx, job, date, opts, r.accrualWork(&res))
	case model.JobCommissionUnlock:
		var res unlock.Result
		return r.execute(ctx, job, date, opts, r.unlockWork(&res))
	}
	return nil, fmt.Errorf("batch: unknown job type %q", job)
}

// GetRunStatus lists processing records in [from, to]. Empty job lists all.
func (r *Runner) GetRunStatus(ctx context.Context, job model.JobType, from, to string) ([]model.DailyRun, error) {
	return r.ledger.Status(ctx, job, from, to)
}

// GetRun returns the processing record of one job on one day.
func (r *Runner) GetRun(ctx context.Context, job model.JobType, date string) (*model.DailyRun, error) {
	return r.ledger.Get(ctx, job, date)
}

func (r *Runner) accrualWork(res *accrual.Result) workFunc {
	return func(ctx context.Context, date, actor string) (model.RunStats, error) {
		out, err := r.accrual.Run(ctx, date, actor)
		*res = out
		return out.Stats(), err
	}
}

func (r *Runner) unlockWork(res *unlock.Result) workFunc {
	return func(ctx context.Context, date, actor string) (model.RunStats, error) {
		out, err := r.unlock.Run(ctx, date, actor)
		*res = out
		return out.Stats(), err
	}
}

func (r *Runner) execute(ctx context.Context, job model.JobType, date string, opts Options, work workFunc) (*model.DailyRun, error) {
	if date == "" {
		date = r.Today()
	}
	if opts.Actor == "" {
		opts.Actor = SystemActor
	}
	logger := r.logger.With("job", string(job), "date", date, "actor", opts.Actor)
	start := time.Now()

	var final *model.DailyRun
	err := joblock.Hold(ctx, r.locker, string(job), r.lockTTL, func(ctx context.Context) error {
		meta := map[string]string{"actor": opts.Actor}
		if opts.Trigger != "" {
			meta["trigger"] = opts.Trigger
		}
		if _, err := r.ledger.StartRun(ctx, job, date, meta, opts.Force); err != nil {
			return err
		}
		logger.Info("batch run started", "force", opts.Force)

		stats, err := work(ctx, date, opts.Actor)
		// Close the record even when the trigger's context is gone.
		closeCtx := context.WithoutCancel(ctx)
		if err != nil {
			if ferr := r.ledger.FailRun(closeCtx, job, date, err.Error(), stats); ferr != nil {
				logger.Error("mark run failed", "err", ferr)
			}
			return err
		}
		run, err := r.ledger.CompleteRun(closeCtx, job, date, stats)
		if err != nil {
			if ferr := r.ledger.FailRun(closeCtx, job, date, "close run: "+err.Error(), stats); ferr != nil {
				logger.Error("mark run failed", "err", ferr)
			}
			return fmt.Errorf("close run: %w", err)
		}
		final = run
		return nil
	})
	metrics.RunDuration.WithLabelValues(string(job)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.RunsTotal.WithLabelValues(string(job), "completed").Inc()
		logger.Info("batch run completed",
			"processed", final.Stats.ProcessedCount,
			"skipped", final.Stats.SkippedCount,
			"errors", final.Stats.ErrorCount,
			"total_amount", final.Stats.TotalAmount.String(),
			"duration_ms", final.Stats.DurationMs)
		r.notify(ctx, notify.Event{
			Type:       notify.EventRunCompleted,
			JobType:    string(job),
			Date:       date,
			Amount:     final.Stats.TotalAmount.String(),
			Message:    fmt.Sprintf("processed=%d skipped=%d errors=%d", final.Stats.ProcessedCount, final.Stats.SkippedCount, final.Stats.ErrorCount),
			OccurredAt: r.clock(),
		})
		return final, nil
	case model.IsConcurrencySignal(err):
		metrics.RunsTotal.WithLabelValues(string(job), "skipped").Inc()
		logger.Info("batch run skipped", "reason", err.Error())
		return nil, err
	default:
		metrics.RunsTotal.WithLabelValues(string(job), "failed").Inc()
		logger.Error("batch run failed", "err", err)
		r.notify(ctx, notify.Event{
			Type:       notify.EventRunFailed,
			JobType:    string(job),
			Date:       date,
			Message:    err.Error(),
			OccurredAt: r.clock(),
		})
		return nil, err
	}
}

func (r *Runner) notify(ctx context.Context, ev notify.Event) {
	if err := r.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Warn("notification failed", "type", ev.Type, "err", err)
	}
}
