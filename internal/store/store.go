// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for finished runs), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/atmx/yield-engine/internal/model"
)

// MoneyScale is the number of decimal places every money column stores.
const MoneyScale = 8

// Store is the persistence interface. Every method that touches more than
// one record (status change + balance increment + audit insert) is atomic.
type Store interface {
	// --- Daily processing records ---

	// ClaimRun creates the record for (job, date) or reopens a failed or
	// stale one. Returns ErrAlreadyCompleted or ErrRunInProgress otherwise.
	ClaimRun(ctx context.Context, claim model.RunClaim) (*model.DailyRun, error)

	// CompleteRun marks the run completed and stores its final stats.
	// DurationMs is computed from the record's start time.
	CompleteRun(ctx context.Context, job model.JobType, date string, stats model.RunStats, at time.Time) (*model.DailyRun, error)

	// FailRun marks the run failed with a message and partial stats.
	FailRun(ctx context.Context, job model.JobType, date string, message string, stats model.RunStats, at time.Time) error

	// GetRun retrieves one daily record.
	GetRun(ctx context.Context, job model.JobType, date string) (*model.DailyRun, error)

	// ListRuns returns records in [from, to], newest first. An empty job
	// matches every job type.
	ListRuns(ctx context.Context, job model.JobType, from, to string) ([]model.DailyRun, error)

	// --- Job locks ---

	// AcquireLock takes the named lock for owner if it is free or expired.
	AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error)

	// ReleaseLock drops the lock if owner still holds it.
	ReleaseLock(ctx context.Context, name, owner string) error

	// --- Wallet pool ---

	// CreateWallet registers a receiving address.
	CreateWallet(ctx context.Context, w *model.Wallet) error

	// PickWallet selects the least-recently-shown available wallet of the
	// pool and bumps its counters in one atomic update.
	PickWallet(ctx context.Context, network, currency string, now time.Time) (*model.Wallet, error)

	// SetWalletStatus changes a wallet's availability.
	SetWalletStatus(ctx context.Context, id string, status model.WalletStatus) error

	// ListWallets returns every wallet of a pool in rotation order.
	ListWallets(ctx context.Context, network, currency string) ([]model.Wallet, error)

	// PoolStats summarizes available wallets per (network, currency).
	PoolStats(ctx context.Context) ([]model.PoolStats, error)

	// ClampShownCounts lowers shown counts above ceiling to ceiling for the
	// available wallets of a pool. Returns the number of wallets changed.
	ClampShownCounts(ctx context.Context, network, currency string, ceiling int64) (int64, error)

	// --- Positions and benefit ledger ---

	// CreatePosition persists a new position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListActivePositions returns all positions with status active.
	ListActivePositions(ctx context.Context) ([]model.Position, error)

	// CompletePosition moves an active position to completed. Reports
	// whether this call made the transition.
	CompletePosition(ctx context.Context, id string, at time.Time) (bool, error)

	// BenefitEntryExists checks the accrual idempotency key.
	BenefitEntryExists(ctx context.Context, key model.BenefitKey) (bool, error)

	// PostBenefit atomically inserts the entry, advances the position's
	// cycle/day, increments the user's balance and appends txn.
	PostBenefit(ctx context.Context, entry *model.BenefitEntry, txn *model.BalanceTransaction) error

	// ListBenefitEntries returns a position's entries in payout order.
	ListBenefitEntries(ctx context.Context, positionID string) ([]model.BenefitEntry, error)

	// --- Commissions ---

	// CreateCommission persists a granted commission.
	CreateCommission(ctx context.Context, c *model.Commission) error

	// GetCommission retrieves a commission by ID.
	GetCommission(ctx context.Context, id string) (*model.Commission, error)

	// ListUnlockableCommissions returns pending commissions whose unlock
	// date is at or before asOf.
	ListUnlockableCommissions(ctx context.Context, asOf time.Time) ([]model.Commission, error)

	// UnlockCommission atomically moves a pending commission to available,
	// increments the recipient's balance and appends txn.
	UnlockCommission(ctx context.Context, id string, at time.Time, txn *model.BalanceTransaction) error

	// --- Balances ---

	// GetBalance returns a user's balance; zero when none exists yet.
	GetBalance(ctx context.Context, userID, currency string) (*model.Balance, error)

	// ListTransactions returns a user's balance-change audit trail.
	ListTransactions(ctx context.Context, userID string) ([]model.BalanceTransaction, error)
}
