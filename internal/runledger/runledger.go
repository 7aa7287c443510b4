// Package runledger keeps the per-day, per-job processing record that
// makes a batch run idempotent and doubles as its cross-instance lock.
package runledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/yield-engine/internal/calendar"
	"github.com/atmx/yield-engine/internal/model"
)

// DefaultStaleAfter is how long a run may stay processing before another
// runner may take it over.
const DefaultStaleAfter = 2 * time.Hour

// Store is the persistence the ledger needs.
type Store interface {
	ClaimRun(ctx context.Context, claim model.RunClaim) (*model.DailyRun, error)
	CompleteRun(ctx context.Context, job model.JobType, date string, stats model.RunStats, at time.Time) (*model.DailyRun, error)
	FailRun(ctx context.Context, job model.JobType, date string, message string, stats model.RunStats, at time.Time) error
	GetRun(ctx context.Context, job model.JobType, date string) (*model.DailyRun, error)
	ListRuns(ctx context.Context, job model.JobType, from, to string) ([]model.DailyRun, error)
}

// Service opens and closes daily processing records.
type Service struct {
	store      Store
	clock      calendar.Clock
	staleAfter time.Duration
}

// NewService creates a ledger. Zero staleAfter means DefaultStaleAfter.
func NewService(st Store, clock calendar.Clock, staleAfter time.Duration) *Service {
	if clock == nil {
		clock = calendar.SystemClock
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Service{store: st, clock: clock, staleAfter: staleAfter}
}

// StartRun opens the record for (job, date). It fails with
// ErrAlreadyCompleted for a finished day and with ErrRunInProgress while
// another runner's record is fresh. Failed and stale records are reopened;
// force reopens a processing record of any age.
func (s *Service) StartRun(ctx context.Context, job model.JobType, date string, metadata map[string]string, force bool) (*model.DailyRun, error) {
	if err := validate(job, date); err != nil {
		return nil, err
	}
	now := s.clock()
	return s.store.ClaimRun(ctx, model.RunClaim{
		JobType:     job,
		ProcessDate: date,
		Now:         now,
		StaleBefore: now.Add(-s.staleAfter),
		Force:       force,
		Metadata:    metadata,
	})
}

// CompleteRun finalizes the record with stats. Fails with ErrNoRunState if
// the run was never started.
func (s *Service) CompleteRun(ctx context.Context, job model.JobType, date string, stats model.RunStats) (*model.DailyRun, error) {
	return s.store.CompleteRun(ctx, job, date, stats, s.clock())
}

// FailRun marks the record failed, keeping whatever stats were gathered.
func (s *Service) FailRun(ctx context.Context, job model.JobType, date, message string, partial model.RunStats) error {
	return s.store.FailRun(ctx, job, date, message, partial, s.clock())
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, job model.JobType, date string) (*model.DailyRun, error) {
	if err := validate(job, date); err != nil {
		return nil, err
	}
	return s.store.GetRun(ctx, job, date)
}

// Status lists records in [from, to], newest first. An empty job lists
// every job type; empty bounds are open.
func (s *Service) Status(ctx context.Context, job model.JobType, from, to string) ([]model.DailyRun, error) {
	if job != "" && !job.Valid() {
		return nil, fmt.Errorf("runledger: unknown job type %q", job)
	}
	for _, day := range []string{from, to} {
		if day == "" {
			continue
		}
		if _, err := time.Parse(calendar.DayLayout, day); err != nil {
			return nil, fmt.Errorf("runledger: invalid date %q", day)
		}
	}
	if from != "" && to != "" && from > to {
		return nil, errors.New("runledger: from is after to")
	}
	return s.store.ListRuns(ctx, job, from, to)
}

func validate(job model.JobType, date string) error {
	if !job.Valid() {
		return fmt.Errorf("runledger: unknown job type %q", job)
	}
	if _, err := time.Parse(calendar.DayLayout, date); err != nil {
		return fmt.Errorf("runledger: invalid date %q", date)
	}
	return nil
}
