// Package joblock provides the named, TTL-bounded mutex that keeps two
// process instances from running the same scheduled job at once.
//
// Acquisition is always a single conditional write. A crashed holder needs
// no cleanup: its lock simply expires. Release is an optimization that lets
// the next trigger proceed before the TTL runs out.
package joblock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/yield-engine/internal/calendar"
	"github.com/atmx/yield-engine/internal/metrics"
	"github.com/atmx/yield-engine/internal/model"
)

// Locker acquires and releases named job locks on behalf of one owner.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// NewOwner returns a unique owner token for this process instance.
func NewOwner() string { return uuid.NewString() }

// Hold runs fn while holding the named lock. Returns ErrLockNotAcquired
// without calling fn when another owner holds it.
func Hold(ctx context.Context, l Locker, name string, ttl time.Duration, fn func(context.Context) error) error {
	ok, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		metrics.LockAcquisitions.WithLabelValues(name, "error").Inc()
		return fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		metrics.LockAcquisitions.WithLabelValues(name, "contended").Inc()
		return fmt.Errorf("lock %s: %w", name, model.ErrLockNotAcquired)
	}
	metrics.LockAcquisitions.WithLabelValues(name, "acquired").Inc()

	defer func() {
		// The lock expires on its own; a failed release only delays the
		// next holder.
		if err := l.Release(context.WithoutCancel(ctx), name); err != nil {
			slog.Warn("job lock release failed", "lock", name, "err", err)
		}
	}()
	return fn(ctx)
}

// --- Redis ---

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX. Expiry is enforced by
// Redis itself.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	owner  string
}

// NewRedisLocker creates a Redis-backed locker. Keys are "<prefix>:<name>".
func NewRedisLocker(client redis.UniversalClient, prefix, owner string) *RedisLocker {
	if prefix == "" {
		prefix = "ledger:lock"
	}
	return &RedisLocker{client: client, prefix: prefix, owner: owner}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.key(name), l.owner, ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, name string) error {
	return releaseScript.Run(ctx, l.client, []string{l.key(name)}, l.owner).Err()
}

func (l *RedisLocker) key(name string) string {
	return fmt.Sprintf("%s:%s", l.prefix, name)
}

// --- Store ---

// LockStore is the slice of the store a StoreLocker needs.
type LockStore interface {
	AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
}

// StoreLocker implements Locker on the job_locks table, for deployments
// without Redis.
type StoreLocker struct {
	store LockStore
	owner string
	clock calendar.Clock
}

// NewStoreLocker creates a database-backed locker.
func NewStoreLocker(st LockStore, owner string, clock calendar.Clock) *StoreLocker {
	if clock == nil {
		clock = calendar.SystemClock
	}
	return &StoreLocker{store: st, owner: owner, clock: clock}
}

func (l *StoreLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.store.AcquireLock(ctx, name, l.owner, l.clock(), ttl)
}

func (l *StoreLocker) Release(ctx context.Context, name string) error {
	return l.store.ReleaseLock(ctx, name, l.owner)
}
