package joblock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/yield-engine/internal/joblock"
	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/store"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	rdb, mr := newRedis(t)
	ctx := context.Background()
	a := joblock.NewRedisLocker(rdb, "", "instance-a")
	b := joblock.NewRedisLocker(rdb, "", "instance-b")

	ok, err := a.Acquire(ctx, "daily_accrual", time.Minute)
	if err != nil || !ok {
		t.Fatalf("a should acquire: ok=%v err=%v", ok, err)
	}
	ok, _ = b.Acquire(ctx, "daily_accrual", time.Minute)
	if ok {
		t.Fatal("b must not acquire a live lock")
	}

	// b releasing is a no-op: the token does not match.
	if err := b.Release(ctx, "daily_accrual"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !mr.Exists("ledger:lock:daily_accrual") {
		t.Fatal("non-owner release deleted the lock")
	}

	// Expiry frees the lock with no release at all.
	mr.FastForward(time.Minute + time.Second)
	ok, _ = b.Acquire(ctx, "daily_accrual", time.Minute)
	if !ok {
		t.Fatal("b should acquire after expiry")
	}
}

func TestRedisLocker_OwnerRelease(t *testing.T) {
	rdb, mr := newRedis(t)
	ctx := context.Background()
	a := joblock.NewRedisLocker(rdb, "test:lock", "instance-a")

	a.Acquire(ctx, "commission_unlock", time.Hour)
	if err := a.Release(ctx, "commission_unlock"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("test:lock:commission_unlock") {
		t.Fatal("owner release should delete the key")
	}
}

func TestHold_ReportsContention(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Date(2025, 8, 15, 0, 5, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	a := joblock.NewStoreLocker(ms, "a", clock)
	b := joblock.NewStoreLocker(ms, "b", clock)
	ctx := context.Background()

	var innerErr error
	err := joblock.Hold(ctx, a, "rotation_check", time.Minute, func(ctx context.Context) error {
		innerErr = joblock.Hold(ctx, b, "rotation_check", time.Minute, func(context.Context) error {
			t.Fatal("b must not run while a holds the lock")
			return nil
		})
		return nil
	})
	if err != nil {
		t.Fatalf("outer hold: %v", err)
	}
	if !errors.Is(innerErr, model.ErrLockNotAcquired) {
		t.Errorf("expected ErrLockNotAcquired, got %v", innerErr)
	}

	// a released on return, so b can now take it.
	ran := false
	joblock.Hold(ctx, b, "rotation_check", time.Minute, func(context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Error("b should run once a released")
	}
}

func TestHold_PropagatesError(t *testing.T) {
	ms := store.NewMemoryStore()
	l := joblock.NewStoreLocker(ms, joblock.NewOwner(), nil)
	boom := errors.New("boom")

	err := joblock.Hold(context.Background(), l, "daily_accrual", time.Minute, func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected fn error, got %v", err)
	}
}
