package batch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/yield-engine/internal/accrual"
	"github.com/atmx/yield-engine/internal/batch"
	"github.com/atmx/yield-engine/internal/calendar"
	"github.com/atmx/yield-engine/internal/joblock"
	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/runledger"
	"github.com/atmx/yield-engine/internal/store"
	"github.com/atmx/yield-engine/internal/unlock"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var now = time.Date(2025, 8, 15, 0, 5, 0, 0, time.UTC)

func clock() time.Time { return now }

type testEnv struct {
	store  *store.MemoryStore
	runner *batch.Runner
}

// newTestEnv wires a runner over a memory store. st overrides the store the
// engines see, for failure injection.
func newTestEnv(t *testing.T, st interface {
	accrual.Store
	unlock.Store
}) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	if st == nil {
		st = ms
	}
	cal := calendar.New(time.UTC)
	r := batch.NewRunner(batch.Deps{
		Locker:   joblock.NewStoreLocker(ms, "instance-a", clock),
		Ledger:   runledger.NewService(ms, clock, 0),
		Accrual:  accrual.NewEngine(st, cal, accrual.Options{Scale: 2, Clock: clock}),
		Unlock:   unlock.NewEngine(st, cal, unlock.Options{Clock: clock}),
		Calendar: cal,
		Clock:    clock,
	})
	return &testEnv{store: ms, runner: r}
}

func seedPosition(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	p := &model.Position{
		ID:        id,
		UserID:    "u-" + id,
		Principal: d("1000"),
		Currency:  "USDT",
		Status:    model.PositionActive,
		Plan:      model.BenefitPlan{DailyRate: d("0.125"), DaysPerCycle: 8, TotalCycles: 5},
		// Activated two days before now.
		ActivatedAt: now.AddDate(0, 0, -2),
	}
	if err := ms.CreatePosition(context.Background(), p); err != nil {
		t.Fatalf("failed to seed position: %v", err)
	}
}

func TestRunDailyAccrual_CompletesRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	seedPosition(t, env.store, "p1")
	seedPosition(t, env.store, "p2")
	ctx := context.Background()

	res, err := env.runner.RunDailyAccrual(ctx, "", batch.Options{Trigger: "scheduler"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Processed != 2 || !res.TotalAmount.Equal(d("250")) {
		t.Errorf("unexpected result %+v", res)
	}

	run, err := env.store.GetRun(ctx, model.JobDailyAccrual, "2025-08-15")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != model.RunCompleted || run.Stats.ProcessedCount != 2 || !run.Stats.TotalAmount.Equal(d("250")) {
		t.Errorf("run record: %+v", run)
	}
	if run.Metadata["actor"] != batch.SystemActor || run.Metadata["trigger"] != "scheduler" {
		t.Errorf("metadata: %+v", run.Metadata)
	}

	// The same day again is a concurrency signal, not a double credit.
	_, err = env.runner.RunDailyAccrual(ctx, "2025-08-15", batch.Options{})
	if !errors.Is(err, model.ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted, got %v", err)
	}
	b, _ := env.store.GetBalance(ctx, "u-p1", "USDT")
	if !b.Available.Equal(d("125")) {
		t.Errorf("balance = %s, want 125", b.Available)
	}
}

func TestRun_LockHeldElsewhere(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	other := joblock.NewStoreLocker(env.store, "instance-b", clock)
	if ok, _ := other.Acquire(ctx, string(model.JobCommissionUnlock), time.Hour); !ok {
		t.Fatal("setup: instance-b should hold the lock")
	}

	_, err := env.runner.RunCommissionUnlock(ctx, "2025-08-15", batch.Options{})
	if !errors.Is(err, model.ErrLockNotAcquired) || !model.IsConcurrencySignal(err) {
		t.Fatalf("expected ErrLockNotAcquired, got %v", err)
	}
	if _, err := env.store.GetRun(ctx, model.JobCommissionUnlock, "2025-08-15"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("no record should be opened without the lock, got %v", err)
	}
}

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) ListUnlockableCommissions(context.Context, time.Time) ([]model.Commission, error) {
	return nil, errors.New("database unavailable")
}

func TestRun_BatchFailureMarksRecordFailed(t *testing.T) {
	ms := store.NewMemoryStore()
	env := newTestEnv(t, brokenStore{ms})
	ctx := context.Background()

	_, err := env.runner.RunCommissionUnlock(ctx, "2025-08-15", batch.Options{Actor: "admin-7"})
	if err == nil || model.IsConcurrencySignal(err) {
		t.Fatalf("expected a batch-level failure, got %v", err)
	}

	run, err := env.store.GetRun(ctx, model.JobCommissionUnlock, "2025-08-15")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != model.RunFailed || run.ErrorMessage == "" {
		t.Errorf("run record: %+v", run)
	}

	// The lock was released, and the failed record reopens on retry.
	locker := joblock.NewStoreLocker(env.store, "instance-b", clock)
	if ok, _ := locker.Acquire(ctx, string(model.JobCommissionUnlock), time.Minute); !ok {
		t.Error("lock should be released after a failed run")
	}
}

func TestRunJob(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	run, err := env.runner.RunJob(ctx, model.JobCommissionUnlock, "2025-08-14", batch.Options{Trigger: "api"})
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if run.Status != model.RunCompleted || run.ProcessDate != "2025-08-14" {
		t.Errorf("unexpected record %+v", run)
	}

	if _, err := env.runner.RunJob(ctx, model.JobRotationCheck, "", batch.Options{}); err == nil {
		t.Error("rotation check is not a batch job")
	}

	runs, err := env.runner.GetRunStatus(ctx, "", "2025-08-01", "2025-08-31")
	if err != nil || len(runs) != 1 {
		t.Errorf("status: %v %+v", err, runs)
	}
}
