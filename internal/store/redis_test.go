package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/store"
)

func newCached(t *testing.T) (*store.CachedStore, *store.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ms := store.NewMemoryStore()
	return store.NewCachedStore(ms, rdb, time.Minute), ms, mr
}

func TestCachedStore_CachesOnlyCompletedRuns(t *testing.T) {
	cs, _, mr := newCached(t)
	ctx := context.Background()

	if _, err := cs.ClaimRun(ctx, claim("2025-08-15", t0)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := cs.GetRun(ctx, model.JobDailyAccrual, "2025-08-15"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if mr.Exists("ledger:run:daily_accrual:2025-08-15") {
		t.Fatal("processing run must not be cached")
	}

	if _, err := cs.CompleteRun(ctx, model.JobDailyAccrual, "2025-08-15", model.RunStats{ProcessedCount: 2, TotalAmount: d("250")}, t0.Add(time.Minute)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !mr.Exists("ledger:run:daily_accrual:2025-08-15") {
		t.Fatal("completed run should be cached")
	}
}

func TestCachedStore_ServesFromCache(t *testing.T) {
	cs, ms, mr := newCached(t)
	ctx := context.Background()

	ms.ClaimRun(ctx, claim("2025-08-15", t0))
	ms.CompleteRun(ctx, model.JobDailyAccrual, "2025-08-15", model.RunStats{ProcessedCount: 4, TotalAmount: d("500")}, t0.Add(time.Minute))

	if _, err := cs.GetRun(ctx, model.JobDailyAccrual, "2025-08-15"); err != nil {
		t.Fatalf("get: %v", err)
	}
	key := "ledger:run:daily_accrual:2025-08-15"
	if !mr.Exists(key) {
		t.Fatal("read-through should populate the cache")
	}

	// Overwrite the cached copy; the next read must come from Redis.
	mr.Set(key, `{"job_type":"daily_accrual","process_date":"2025-08-15","status":"completed","stats":{"processed_count":99,"total_amount":"1"}}`)
	run, err := cs.GetRun(ctx, model.JobDailyAccrual, "2025-08-15")
	if err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if run.Stats.ProcessedCount != 99 {
		t.Errorf("expected cached record, got %+v", run.Stats)
	}
}
