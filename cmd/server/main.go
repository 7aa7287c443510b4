package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atmx/yield-engine/internal/api"
	"github.com/atmx/yield-engine/internal/app"
	"github.com/atmx/yield-engine/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	a, cleanup, err := app.Build(context.Background(), *cfg, logger)
	if err != nil {
		cleanup()
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	// --- Event delivery (websocket hub, AMQP) ---
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	notifyDone := a.RunNotifier(notifyCtx)

	// --- Scheduler ---
	if cfg.SchedulerEnabled {
		if err := a.Scheduler.Start(); err != nil {
			slog.Error("scheduler start failed", "err", err)
			os.Exit(1)
		}
	} else {
		slog.Info("scheduler disabled, jobs run only on manual trigger")
	}

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     api.NewRouter(a.Handler, a.Hub.HandleWS),
		ReadTimeout: 10 * time.Second,
		// Manual batch triggers hold the response until the run closes.
		WriteTimeout: cfg.JobLockTTL,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("yield-engine listening", "port", cfg.Port, "timezone", cfg.Timezone)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down yield-engine...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	if cfg.SchedulerEnabled {
		// Let a running batch close its record and release its lock.
		select {
		case <-a.Scheduler.Stop().Done():
		case <-time.After(cfg.JobLockTTL):
			slog.Warn("scheduled job still running at shutdown; its lock expires on its own")
		}
	}
	stopNotify()
	select {
	case <-notifyDone:
	case <-time.After(5 * time.Second):
		slog.Warn("pending notifications dropped at shutdown")
	}
	fmt.Println("yield-engine stopped")
}
