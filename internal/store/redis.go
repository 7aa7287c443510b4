package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/yield-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for daily run records. Only completed runs are cached: they are
// terminal, so a cached copy can never go stale. Everything else passes
// straight through to the primary.
type CachedStore struct {
	Store
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) CompleteRun(ctx context.Context, job model.JobType, date string, stats model.RunStats, at time.Time) (*model.DailyRun, error) {
	run, err := s.Store.CompleteRun(ctx, job, date, stats, at)
	if err != nil {
		return nil, err
	}
	s.cacheRun(ctx, run)
	return run, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRun(ctx context.Context, job model.JobType, date string) (*model.DailyRun, error) {
	data, err := s.rdb.Get(ctx, runCacheKey(job, date)).Bytes()
	if err == nil {
		var run model.DailyRun
		if json.Unmarshal(data, &run) == nil {
			return &run, nil
		}
	}

	// Cache miss: read from primary.
	run, err := s.Store.GetRun(ctx, job, date)
	if err != nil {
		return nil, err
	}
	s.cacheRun(ctx, run)
	return run, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheRun(ctx context.Context, run *model.DailyRun) {
	if run.Status != model.RunCompleted {
		return
	}
	if data, err := json.Marshal(run); err == nil {
		s.rdb.Set(ctx, runCacheKey(run.JobType, run.ProcessDate), data, s.ttl)
	}
}

func runCacheKey(job model.JobType, date string) string {
	return fmt.Sprintf("ledger:run:%s:%s", job, date)
}
