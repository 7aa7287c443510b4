// Command ledgerctl is the operator CLI of the ledger engine: manual batch
// triggers, run status, wallet pool maintenance and schema setup.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/yield-engine/internal/app"
	"github.com/atmx/yield-engine/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operate the yield ledger engine",
	Long: `ledgerctl runs the daily ledger batches by hand, reports their
processing records and maintains the wallet rotation pools. It reads the
same environment as the server (DATABASE_URL, REDIS_URL, TIMEZONE, ...).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// session is one wired engine for the duration of a command.
type session struct {
	*app.App
	cleanup    func()
	stopNotify context.CancelFunc
	notifyDone <-chan struct{}
}

func openSession(cmd *cobra.Command) (*session, error) {
	level := slog.LevelInfo
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	a, cleanup, err := app.Build(cmd.Context(), *cfg, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &session{App: a, cleanup: cleanup, stopNotify: cancel, notifyDone: a.RunNotifier(ctx)}, nil
}

// Close delivers queued events and closes connections.
func (s *session) Close() {
	s.stopNotify()
	select {
	case <-s.notifyDone:
	case <-time.After(5 * time.Second):
		slog.Warn("pending notifications dropped")
	}
	s.cleanup()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
