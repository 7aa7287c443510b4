// Package scheduler fires the batch jobs on their cron schedules in the
// reference timezone.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/yield-engine/internal/accrual"
	"github.com/atmx/yield-engine/internal/batch"
	"github.com/atmx/yield-engine/internal/calendar"
	"github.com/atmx/yield-engine/internal/config"
	"github.com/atmx/yield-engine/internal/joblock"
	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/notify"
	"github.com/atmx/yield-engine/internal/rotation"
	"github.com/atmx/yield-engine/internal/unlock"
)

// RunState tracks which jobs this process is currently running, so a slow
// run is not overlapped by its own next tick.
type RunState struct {
	mu      sync.Mutex
	running map[string]bool
}

// NewRunState creates an empty RunState.
func NewRunState() *RunState {
	return &RunState{running: make(map[string]bool)}
}

// TryBegin marks name running. Returns false if it already is.
func (s *RunState) TryBegin(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

// End marks name finished.
func (s *RunState) End(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)
}

// Running reports whether name is in flight.
func (s *RunState) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[name]
}

// BatchRunner runs the daily batches.
type BatchRunner interface {
	RunDailyAccrual(ctx context.Context, date string, opts batch.Options) (accrual.Result, error)
	RunCommissionUnlock(ctx context.Context, date string, opts batch.Options) (unlock.Result, error)
}

// RotationChecker inspects and repairs wallet pools.
type RotationChecker interface {
	Health(ctx context.Context, threshold int64) ([]rotation.PoolHealth, error)
	Rebalance(ctx context.Context, network, currency string) (int64, error)
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Runner   BatchRunner
	Rotation RotationChecker
	Locker   joblock.Locker
	Notifier notify.Notifier
	State    *RunState
	Calendar calendar.Calendar
	Clock    calendar.Clock
	Logger   *slog.Logger
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	runner   BatchRunner
	rotation RotationChecker
	locker   joblock.Locker
	notifier notify.Notifier
	state    *RunState
	clock    calendar.Clock
	logger   *slog.Logger
	config   config.Config
}

// New creates a scheduler. Jobs are registered by Start.
func New(deps Deps, cfg config.Config) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(deps.Calendar.Location()),
		cron.WithChain(cron.Recover(cronLogger)),
	)

	s := &Scheduler{
		cron:     c,
		runner:   deps.Runner,
		rotation: deps.Rotation,
		locker:   deps.Locker,
		notifier: deps.Notifier,
		state:    deps.State,
		clock:    deps.Clock,
		logger:   logger,
		config:   cfg,
	}
	if s.state == nil {
		s.state = NewRunState()
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.clock == nil {
		s.clock = calendar.SystemClock
	}
	return s
}

// Start registers the jobs and starts the cron scheduler. An empty
// schedule disables a job; an invalid one is an error.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name     string
		schedule string
		fn       func()
	}{
		{string(model.JobDailyAccrual), s.config.AccrualSchedule, s.RunAccrual},
		{string(model.JobCommissionUnlock), s.config.UnlockSchedule, s.RunUnlock},
		{string(model.JobRotationCheck), s.config.RotationCheckSchedule, s.CheckRotation},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			s.logger.Info("job not scheduled", "job", j.name)
			continue
		}
		if _, err := s.cron.AddFunc(j.schedule, j.fn); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.schedule, err)
		}
		s.logger.Info("scheduled job", "job", j.name, "schedule", j.schedule, "timezone", s.cron.Location().String())
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunAccrual is the daily accrual trigger.
func (s *Scheduler) RunAccrual() {
	s.guard(string(model.JobDailyAccrual), func(ctx context.Context) error {
		res, err := s.runner.RunDailyAccrual(ctx, "", batch.Options{Trigger: "scheduler"})
		if err == nil {
			s.logger.Info("scheduled accrual finished",
				"processed", res.Processed, "errors", res.Errors, "total_amount", res.TotalAmount.String())
		}
		return err
	})
}

// RunUnlock is the daily commission unlock trigger.
func (s *Scheduler) RunUnlock() {
	s.guard(string(model.JobCommissionUnlock), func(ctx context.Context) error {
		res, err := s.runner.RunCommissionUnlock(ctx, "", batch.Options{Trigger: "scheduler"})
		if err == nil {
			s.logger.Info("scheduled unlock finished",
				"unlocked", res.Unlocked, "errors", res.Errors, "total_amount", res.TotalAmount.String())
		}
		return err
	})
}

// CheckRotation reports skewed wallet pools and, when enabled, rebalances
// them. It has no daily record; the job lock alone keeps instances apart.
func (s *Scheduler) CheckRotation() {
	name := string(model.JobRotationCheck)
	s.guard(name, func(ctx context.Context) error {
		return joblock.Hold(ctx, s.locker, name, s.config.JobLockTTL, s.checkRotation)
	})
}

func (s *Scheduler) checkRotation(ctx context.Context) error {
	threshold := s.config.RotationSkewThreshold
	pools, err := s.rotation.Health(ctx, threshold)
	if err != nil {
		return err
	}
	for _, p := range pools {
		if !p.Skewed {
			continue
		}
		s.logger.Warn("wallet rotation skewed",
			"network", p.Network, "currency", p.Currency,
			"rotation_balance", p.Balance, "threshold", threshold, "available", p.Available)
		if err := s.notifier.Notify(ctx, notify.Event{
			Type:       notify.EventRotationSkewed,
			Currency:   p.Currency,
			Message:    fmt.Sprintf("%s/%s rotation balance %d exceeds %d", p.Network, p.Currency, p.Balance, threshold),
			OccurredAt: s.clock(),
		}); err != nil {
			s.logger.Warn("notification failed", "type", notify.EventRotationSkewed, "err", err)
		}
		if !s.config.RotationAutoRebalance {
			continue
		}
		if _, err := s.rotation.Rebalance(ctx, p.Network, p.Currency); err != nil {
			s.logger.Error("wallet rebalance failed", "network", p.Network, "currency", p.Currency, "err", err)
		}
	}
	return nil
}

// guard runs fn unless this process is already running the job, and
// classifies the outcome for the log.
func (s *Scheduler) guard(name string, fn func(ctx context.Context) error) {
	if !s.state.TryBegin(name) {
		s.logger.Info("job still running in this process, skipping tick", "job", name)
		return
	}
	defer s.state.End(name)

	start := time.Now()
	err := fn(context.Background())
	switch {
	case err == nil:
	case model.IsConcurrencySignal(err):
		s.logger.Info("job skipped", "job", name, "reason", err.Error())
	default:
		s.logger.Error("job failed", "job", name, "err", err, "elapsed", time.Since(start).String())
	}
}
