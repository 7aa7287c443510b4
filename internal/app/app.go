// Package app wires the engine's components from configuration. Both the
// server and the operator CLI build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/yield-engine/internal/accrual"
	"github.com/atmx/yield-engine/internal/api"
	"github.com/atmx/yield-engine/internal/batch"
	"github.com/atmx/yield-engine/internal/calendar"
	"github.com/atmx/yield-engine/internal/config"
	"github.com/atmx/yield-engine/internal/joblock"
	"github.com/atmx/yield-engine/internal/notify"
	"github.com/atmx/yield-engine/internal/rotation"
	"github.com/atmx/yield-engine/internal/runledger"
	"github.com/atmx/yield-engine/internal/scheduler"
	"github.com/atmx/yield-engine/internal/store"
	"github.com/atmx/yield-engine/internal/unlock"
)

// LockPrefix namespaces job locks in Redis.
const LockPrefix = "ledger:lock"

// App holds the wired components.
type App struct {
	Config    config.Config
	Calendar  calendar.Calendar
	Store     store.Store
	Locker    joblock.Locker
	Ledger    *runledger.Service
	Accrual   *accrual.Engine
	Unlock    *unlock.Engine
	Runner    *batch.Runner
	Allocator *rotation.Allocator
	Scheduler *scheduler.Scheduler
	Hub       *notify.Hub
	Events    *notify.Async
	Handler   *api.Handler
	Logger    *slog.Logger
}

// Build connects the backing services named by cfg and wires every
// component. Without DATABASE_URL the in-memory store is used. The
// returned cleanup closes connections in reverse order and must be called
// even when Build fails.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	a := &App{Config: cfg, Calendar: cfg.Calendar(), Logger: logger}
	owner := joblock.NewOwner()

	// --- Store ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, closeAll, fmt.Errorf("REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, closeAll, fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.EnsureSchema(ctx, pool); err != nil {
			return nil, closeAll, fmt.Errorf("ensure schema: %w", err)
		}
		a.Store = store.NewPostgresStore(pool)
		logger.Info("connected to PostgreSQL")

		if rdb != nil {
			a.Store = store.NewCachedStore(a.Store, rdb, cfg.RunCacheTTL)
			logger.Info("Redis run cache enabled", "ttl", cfg.RunCacheTTL.String())
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	// --- Job lock ---
	if rdb != nil {
		a.Locker = joblock.NewRedisLocker(rdb, LockPrefix, owner)
		logger.Info("job locks held in Redis", "owner", owner)
	} else {
		a.Locker = joblock.NewStoreLocker(a.Store, owner, calendar.SystemClock)
		logger.Info("job locks held in the store", "owner", owner)
	}

	// --- Notifications ---
	a.Hub = notify.NewHub()
	sinks := notify.Multi{a.Hub}
	if cfg.AMQPURL != "" {
		pub, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			// Notifications are best effort; the ledger runs without them.
			logger.Warn("AMQP publisher unavailable, events stay local", "err", err)
		} else {
			cleanup = append(cleanup, pub.Close)
			sinks = append(sinks, pub)
			logger.Info("publishing events to AMQP", "exchange", cfg.AMQPExchange)
		}
	}
	a.Events = notify.NewAsync(sinks, cfg.NotifyQueueSize, logger)

	// --- Engines ---
	a.Ledger = runledger.NewService(a.Store, calendar.SystemClock, cfg.StaleRunThreshold)
	a.Accrual = accrual.NewEngine(a.Store, a.Calendar, accrual.Options{
		Scale:    int32(cfg.AmountScale),
		Notifier: a.Events,
		Logger:   logger,
	})
	a.Unlock = unlock.NewEngine(a.Store, a.Calendar, unlock.Options{
		Policy:   cfg.HoldPolicy(),
		Notifier: a.Events,
		Logger:   logger,
	})
	a.Runner = batch.NewRunner(batch.Deps{
		Locker:   a.Locker,
		Ledger:   a.Ledger,
		Accrual:  a.Accrual,
		Unlock:   a.Unlock,
		Notifier: a.Events,
		Calendar: a.Calendar,
		LockTTL:  cfg.JobLockTTL,
		Logger:   logger,
	})
	a.Allocator = rotation.NewAllocator(a.Store, calendar.SystemClock, logger)
	a.Scheduler = scheduler.New(scheduler.Deps{
		Runner:   a.Runner,
		Rotation: a.Allocator,
		Locker:   a.Locker,
		Notifier: a.Events,
		Calendar: a.Calendar,
		Logger:   logger,
	}, cfg)
	a.Handler = api.NewHandler(a.Runner, a.Allocator, cfg.RotationSkewThreshold, logger)

	return a, closeAll, nil
}

// RunNotifier starts the event fan-out and the websocket hub. They stop
// when ctx is cancelled; the returned channel closes once the events
// already queued have been delivered.
func (a *App) RunNotifier(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go a.Hub.Run(ctx)
	go func() {
		defer close(done)
		a.Events.Run(ctx)
	}()
	return done
}
