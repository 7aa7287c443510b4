package main

import (
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/atmx/yield-engine/internal/batch"
	"github.com/atmx/yield-engine/internal/config"
	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/store"
)

func init() {
	rootCmd.AddCommand(migrateCmd, accrueCmd, unlockCmd, runsCmd)

	for _, c := range []*cobra.Command{accrueCmd, unlockCmd} {
		c.Flags().String("date", "", "Day to process (YYYY-MM-DD, default today in TIMEZONE)")
		c.Flags().Bool("force", false, "Take over a processing record regardless of its age")
		c.Flags().String("actor", defaultActor(), "Actor recorded on balance transactions")
	}
	runsCmd.Flags().String("job", "", "Job type (daily_accrual, commission_unlock; default all)")
	runsCmd.Flags().String("from", "", "First day (YYYY-MM-DD)")
	runsCmd.Flags().String("to", "", "Last day (YYYY-MM-DD)")
	runsCmd.Flags().String("date", "", "Show the single record of --job on this day")
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

// ─── migrate ────────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ledger tables in DATABASE_URL",
	Long:  `Apply the embedded schema. Safe to run repeatedly: every statement is "if not exists".`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("configuration: %w", err)
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for migrate")
		}
		pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		defer pool.Close()
		if err := store.EnsureSchema(cmd.Context(), pool); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

// ─── accrue / unlock ────────────────────────────────────────────────────────

var accrueCmd = &cobra.Command{
	Use:   "accrue",
	Short: "Run the daily benefit accrual",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd, model.JobDailyAccrual)
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Run the daily commission unlock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd, model.JobCommissionUnlock)
	},
}

func runBatch(cmd *cobra.Command, job model.JobType) error {
	date, _ := cmd.Flags().GetString("date")
	force, _ := cmd.Flags().GetBool("force")
	actor, _ := cmd.Flags().GetString("actor")

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	run, err := s.Runner.RunJob(cmd.Context(), job, date, batch.Options{Actor: actor, Force: force, Trigger: "cli"})
	if err != nil {
		if model.IsConcurrencySignal(err) {
			return fmt.Errorf("%s not run: %w", job, err)
		}
		return fmt.Errorf("%s failed: %w", job, err)
	}
	return printJSON(cmd, run)
}

// ─── runs ───────────────────────────────────────────────────────────────────

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List daily processing records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		job, _ := cmd.Flags().GetString("job")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		date, _ := cmd.Flags().GetString("date")
		if date != "" && job == "" {
			return fmt.Errorf("--date needs --job")
		}

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		if date != "" {
			run, err := s.Runner.GetRun(cmd.Context(), model.JobType(job), date)
			if err != nil {
				return err
			}
			return printJSON(cmd, run)
		}

		runs, err := s.Runner.GetRunStatus(cmd.Context(), model.JobType(job), from, to)
		if err != nil {
			return err
		}
		if runs == nil {
			runs = []model.DailyRun{}
		}
		return printJSON(cmd, runs)
	},
}
