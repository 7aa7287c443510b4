package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/yield-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the engine's tables and constraints if missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return nil
	}
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const runColumns = `job_type, process_date::TEXT, status, started_at, completed_at,
	processed_count, skipped_count, error_count, total_amount::TEXT, duration_ms,
	error_message, attempts, metadata::TEXT`

// --- Daily processing records ---

// buildClaimRun is one conditional upsert: it inserts a fresh record, or
// takes over a failed or stale one. A completed or fresh processing record
// is left alone and no row is returned.
func buildClaimRun(claim model.RunClaim, meta string) (string, []any) {
	query := `INSERT INTO daily_runs (job_type, process_date, status, started_at, attempts, metadata)
		 VALUES ($1, $2::DATE, 'processing', $3, 1, $4::JSONB)
		 ON CONFLICT (job_type, process_date) DO UPDATE
		 SET status = 'processing',
		     started_at = EXCLUDED.started_at,
		     completed_at = NULL,
		     processed_count = 0, skipped_count = 0, error_count = 0,
		     total_amount = 0, duration_ms = 0,
		     error_message = '',
		     attempts = daily_runs.attempts + 1,
		     metadata = EXCLUDED.metadata
		 WHERE daily_runs.status = 'failed'
		    OR (daily_runs.status = 'processing' AND ($5 OR daily_runs.started_at <= $6))
		 RETURNING ` + runColumns
	return query, []any{claim.JobType, claim.ProcessDate, claim.Now, meta, claim.Force, claim.StaleBefore}
}

func (s *PostgresStore) ClaimRun(ctx context.Context, claim model.RunClaim) (*model.DailyRun, error) {
	meta, err := encodeMeta(claim.Metadata)
	if err != nil {
		return nil, err
	}

	query, args := buildClaimRun(claim, meta)
	row := s.pool.QueryRow(ctx, query, args...)

	run, err := scanRun(row)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim run %s %s: %w", claim.JobType, claim.ProcessDate, err)
	}

	existing, err := s.GetRun(ctx, claim.JobType, claim.ProcessDate)
	if err != nil {
		return nil, err
	}
	if err := existing.CheckClaim(claim); err != nil {
		return nil, err
	}
	// The record changed between the upsert and the read; the other
	// claimant won.
	return nil, model.ErrRunInProgress
}

func (s *PostgresStore) CompleteRun(ctx context.Context, job model.JobType, date string, stats model.RunStats, at time.Time) (*model.DailyRun, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE daily_runs
		 SET status = 'completed', completed_at = $3,
		     processed_count = $4, skipped_count = $5, error_count = $6,
		     total_amount = $7::NUMERIC,
		     duration_ms = (EXTRACT(EPOCH FROM ($3 - started_at)) * 1000)::BIGINT,
		     error_message = ''
		 WHERE job_type = $1 AND process_date = $2::DATE AND status <> 'completed'
		 RETURNING `+runColumns,
		job, date, at, stats.ProcessedCount, stats.SkippedCount, stats.ErrorCount, stats.TotalAmount.String())

	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.closeRunMiss(ctx, "complete", job, date)
	}
	if err != nil {
		return nil, fmt.Errorf("complete run %s %s: %w", job, date, err)
	}
	return run, nil
}

func (s *PostgresStore) FailRun(ctx context.Context, job model.JobType, date string, message string, stats model.RunStats, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE daily_runs
		 SET status = 'failed', completed_at = $3,
		     processed_count = $4, skipped_count = $5, error_count = $6,
		     total_amount = $7::NUMERIC,
		     duration_ms = (EXTRACT(EPOCH FROM ($3 - started_at)) * 1000)::BIGINT,
		     error_message = $8
		 WHERE job_type = $1 AND process_date = $2::DATE AND status <> 'completed'`,
		job, date, at, stats.ProcessedCount, stats.SkippedCount, stats.ErrorCount,
		stats.TotalAmount.String(), message)
	if err != nil {
		return fmt.Errorf("fail run %s %s: %w", job, date, err)
	}
	if tag.RowsAffected() == 0 {
		return s.closeRunMiss(ctx, "fail", job, date)
	}
	return nil
}

// closeRunMiss explains why a close statement matched no row.
func (s *PostgresStore) closeRunMiss(ctx context.Context, op string, job model.JobType, date string) error {
	if _, err := s.GetRun(ctx, job, date); errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("%s %s %s: %w", op, job, date, model.ErrNoRunState)
	} else if err != nil {
		return err
	}
	return fmt.Errorf("%s %s %s: %w", op, job, date, model.ErrAlreadyCompleted)
}

func (s *PostgresStore) GetRun(ctx context.Context, job model.JobType, date string) (*model.DailyRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM daily_runs WHERE job_type = $1 AND process_date = $2::DATE`,
		job, date)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s %s: %w", job, date, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s %s: %w", job, date, err)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, job model.JobType, from, to string) ([]model.DailyRun, error) {
	query := `SELECT ` + runColumns + ` FROM daily_runs WHERE TRUE`
	var args []any
	if job != "" {
		args = append(args, job)
		query += fmt.Sprintf(" AND job_type = $%d", len(args))
	}
	if from != "" {
		args = append(args, from)
		query += fmt.Sprintf(" AND process_date >= $%d::DATE", len(args))
	}
	if to != "" {
		args = append(args, to)
		query += fmt.Sprintf(" AND process_date <= $%d::DATE", len(args))
	}
	query += ` ORDER BY process_date DESC, job_type`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.DailyRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// --- Job locks ---

// buildAcquireLock takes the row only when it is absent or expired.
func buildAcquireLock(name, owner string, now time.Time, ttl time.Duration) (string, []any) {
	query := `INSERT INTO job_locks (name, owner, lock_until) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE
		 SET owner = EXCLUDED.owner, lock_until = EXCLUDED.lock_until
		 WHERE job_locks.lock_until <= $4`
	return query, []any{name, owner, now.Add(ttl), now}
}

func (s *PostgresStore) AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	query, args := buildAcquireLock(name, owner, now, ttl)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM job_locks WHERE name = $1 AND owner = $2`, name, owner)
	return err
}

// --- Wallet pool ---

const walletColumns = `id, address, network, currency, status, shown_count, last_shown_at, created_at`

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (id, address, network, currency, status, shown_count, last_shown_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.Address, w.Network, w.Currency, w.Status, w.ShownCount, w.LastShownAt, w.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("wallet %s on %s: %w", w.Address, w.Network, model.ErrAlreadyExists)
	}
	return err
}

const pickWalletSQL = `UPDATE wallets
	SET shown_count = shown_count + 1, last_shown_at = $3
	WHERE id = (
		SELECT id FROM wallets
		WHERE status = 'available' AND network = $1 AND currency = $2
		ORDER BY shown_count ASC, last_shown_at ASC NULLS FIRST, id ASC
		LIMIT 1
		FOR UPDATE %s
	)
	RETURNING ` + walletColumns

func buildPickWallet(network, currency string, now time.Time, skipLocked bool) (string, []any) {
	mode := ""
	if skipLocked {
		mode = "SKIP LOCKED"
	}
	return fmt.Sprintf(pickWalletSQL, mode), []any{network, currency, now}
}

func (s *PostgresStore) PickWallet(ctx context.Context, network, currency string, now time.Time) (*model.Wallet, error) {
	// SKIP LOCKED hands a concurrent caller the next least-shown wallet
	// instead of the one being bumped. If every candidate is locked, wait
	// once on the head of the queue.
	for _, skipLocked := range []bool{true, false} {
		query, args := buildPickWallet(network, currency, now, skipLocked)
		row := s.pool.QueryRow(ctx, query, args...)
		w, err := scanWallet(row)
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pick wallet %s/%s: %w", network, currency, err)
		}
	}
	return nil, fmt.Errorf("pick %s/%s: %w", network, currency, model.ErrNoWalletsAvailable)
}

func (s *PostgresStore) SetWalletStatus(ctx context.Context, id string, status model.WalletStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE wallets SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListWallets(ctx context.Context, network, currency string) ([]model.Wallet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+walletColumns+` FROM wallets
		 WHERE network = $1 AND currency = $2
		 ORDER BY shown_count ASC, last_shown_at ASC NULLS FIRST, id ASC`,
		network, currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []model.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

func (s *PostgresStore) PoolStats(ctx context.Context) ([]model.PoolStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT network, currency, COUNT(*), MIN(shown_count), MAX(shown_count)
		 FROM wallets WHERE status = 'available'
		 GROUP BY network, currency
		 ORDER BY network, currency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []model.PoolStats
	for rows.Next() {
		var ps model.PoolStats
		if err := rows.Scan(&ps.Network, &ps.Currency, &ps.Available, &ps.MinShown, &ps.MaxShown); err != nil {
			return nil, err
		}
		stats = append(stats, ps)
	}
	return stats, rows.Err()
}

func (s *PostgresStore) ClampShownCounts(ctx context.Context, network, currency string, ceiling int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets SET shown_count = $3
		 WHERE network = $1 AND currency = $2 AND status = 'available' AND shown_count > $3`,
		network, currency, ceiling)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Positions and benefit ledger ---

const positionColumns = `id, user_id, principal::TEXT, currency, status,
	daily_rate::TEXT, days_per_cycle, total_cycles, current_cycle, current_day,
	activated_at, completed_at, created_at`

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	var activated *time.Time
	if !p.ActivatedAt.IsZero() {
		activated = &p.ActivatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, user_id, principal, currency, status, daily_rate, days_per_cycle,
		                        total_cycles, current_cycle, current_day, activated_at, completed_at, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.UserID, p.Principal.String(), p.Currency, p.Status,
		p.Plan.DailyRate.String(), p.Plan.DaysPerCycle, p.Plan.TotalCycles,
		p.CurrentCycle, p.CurrentDay, activated, p.CompletedAt, p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListActivePositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status = 'active' ORDER BY activated_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) CompletePosition(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = 'completed', completed_at = $2 WHERE id = $1 AND status = 'active'`,
		id, at)
	if err != nil {
		return false, fmt.Errorf("complete position %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) BenefitEntryExists(ctx context.Context, key model.BenefitKey) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM benefit_entries
			WHERE position_id = $1 AND cycle = $2 AND day = $3 AND scheduled_date = $4::DATE)`,
		key.PositionID, key.Cycle, key.Day, key.ScheduledDate).Scan(&exists)
	return exists, err
}

// buildInsertBenefit inserts nothing when the (position, cycle, day, date)
// key already exists.
func buildInsertBenefit(e *model.BenefitEntry) (string, []any) {
	query := `INSERT INTO benefit_entries (id, position_id, user_id, cycle, day, amount, currency, scheduled_date, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::DATE, $9, $10)
		 ON CONFLICT (position_id, cycle, day, scheduled_date) DO NOTHING`
	return query, []any{e.ID, e.PositionID, e.UserID, e.Cycle, e.Day, e.Amount.String(), e.Currency,
		e.ScheduledDate, e.Status, e.CreatedAt}
}

func (s *PostgresStore) PostBenefit(ctx context.Context, e *model.BenefitEntry, txn *model.BalanceTransaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query, args := buildInsertBenefit(e)
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert benefit entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("benefit %s c%d d%d %s: %w", e.PositionID, e.Cycle, e.Day, e.ScheduledDate, model.ErrDuplicateEntry)
	}

	tag, err = tx.Exec(ctx,
		`UPDATE positions SET current_cycle = $2, current_day = $3 WHERE id = $1 AND status = 'active'`,
		e.PositionID, e.Cycle, e.Day)
	if err != nil {
		return fmt.Errorf("advance position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", e.PositionID, model.ErrPositionNotActive)
	}

	if err := applyBalance(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListBenefitEntries(ctx context.Context, positionID string) ([]model.BenefitEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, user_id, cycle, day, amount::TEXT, currency,
		        scheduled_date::TEXT, status, created_at
		 FROM benefit_entries WHERE position_id = $1 ORDER BY cycle, day`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.BenefitEntry
	for rows.Next() {
		var e model.BenefitEntry
		var amountS string
		if err := rows.Scan(&e.ID, &e.PositionID, &e.UserID, &e.Cycle, &e.Day, &amountS,
			&e.Currency, &e.ScheduledDate, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amountS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Commissions ---

const commissionColumns = `id, recipient_user_id, source_user_id, position_id, type, level,
	amount::TEXT, currency, status, created_at, unlock_date, unlocked_at`

func (s *PostgresStore) CreateCommission(ctx context.Context, c *model.Commission) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO commissions (id, recipient_user_id, source_user_id, position_id, type, level,
		                          amount, currency, status, created_at, unlock_date, unlocked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11, $12)`,
		c.ID, c.RecipientUserID, c.SourceUserID, c.PositionID, c.Type, c.Level,
		c.Amount.String(), c.Currency, c.Status, c.CreatedAt, c.UnlockDate, c.UnlockedAt)
	return err
}

func (s *PostgresStore) GetCommission(ctx context.Context, id string) (*model.Commission, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE id = $1`, id)
	c, err := scanCommission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("commission %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get commission %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListUnlockableCommissions(ctx context.Context, asOf time.Time) ([]model.Commission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+commissionColumns+` FROM commissions
		 WHERE status = 'pending' AND unlock_date <= $1
		 ORDER BY unlock_date, id`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commissions []model.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		commissions = append(commissions, *c)
	}
	return commissions, rows.Err()
}

func buildUnlockCommission(id string, at time.Time) (string, []any) {
	return `UPDATE commissions SET status = 'available', unlocked_at = $2
		 WHERE id = $1 AND status = 'pending'`, []any{id, at}
}

func (s *PostgresStore) UnlockCommission(ctx context.Context, id string, at time.Time, txn *model.BalanceTransaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query, args := buildUnlockCommission(id, at)
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("unlock commission %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("commission %s: %w", id, model.ErrCommissionNotPending)
	}

	if err := applyBalance(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID, currency string) (*model.Balance, error) {
	b := model.Balance{UserID: userID, Currency: currency}
	var availableS, totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT available::TEXT, total::TEXT, updated_at FROM balances
		 WHERE user_id = $1 AND currency = $2`, userID, currency).
		Scan(&availableS, &totalS, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s %s: %w", userID, currency, err)
	}
	b.Available, _ = decimal.NewFromString(availableS)
	b.Total, _ = decimal.NewFromString(totalS)
	return &b, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.BalanceTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, currency, amount::TEXT, kind, reference_id, description, actor_id, created_at
		 FROM balance_transactions WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.BalanceTransaction
	for rows.Next() {
		var t model.BalanceTransaction
		var amountS string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Currency, &amountS, &t.Kind,
			&t.ReferenceID, &t.Description, &t.ActorID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amountS)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func buildIncrementBalance(t *model.BalanceTransaction) (string, []any) {
	query := `INSERT INTO balances (user_id, currency, available, total, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (user_id, currency) DO UPDATE
		 SET available = balances.available + EXCLUDED.available,
		     total = balances.total + EXCLUDED.total,
		     updated_at = EXCLUDED.updated_at`
	return query, []any{t.UserID, t.Currency, t.Amount.String(), t.CreatedAt}
}

// applyBalance increments the user aggregate in place and appends the
// audit record, inside the caller's transaction.
func applyBalance(ctx context.Context, tx pgx.Tx, t *model.BalanceTransaction) error {
	query, args := buildIncrementBalance(t)
	_, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("increment balance %s %s: %w", t.UserID, t.Currency, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO balance_transactions (id, user_id, currency, amount, kind, reference_id, description, actor_id, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9)`,
		t.ID, t.UserID, t.Currency, t.Amount.String(), t.Kind, t.ReferenceID, t.Description, t.ActorID, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("balance transaction %s already recorded: %w", t.ID, err)
		}
		return fmt.Errorf("insert balance transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Scanners ---

func scanRun(row pgx.Row) (*model.DailyRun, error) {
	var r model.DailyRun
	var totalS, metaS string
	if err := row.Scan(&r.JobType, &r.ProcessDate, &r.Status, &r.StartedAt, &r.CompletedAt,
		&r.Stats.ProcessedCount, &r.Stats.SkippedCount, &r.Stats.ErrorCount, &totalS, &r.Stats.DurationMs,
		&r.ErrorMessage, &r.Attempts, &metaS); err != nil {
		return nil, err
	}
	r.Stats.TotalAmount, _ = decimal.NewFromString(totalS)
	if metaS != "" && metaS != "{}" {
		if err := json.Unmarshal([]byte(metaS), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode run metadata: %w", err)
		}
	}
	return &r, nil
}

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var w model.Wallet
	if err := row.Scan(&w.ID, &w.Address, &w.Network, &w.Currency, &w.Status,
		&w.ShownCount, &w.LastShownAt, &w.CreatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var principalS, rateS string
	var activated *time.Time
	if err := row.Scan(&p.ID, &p.UserID, &principalS, &p.Currency, &p.Status,
		&rateS, &p.Plan.DaysPerCycle, &p.Plan.TotalCycles, &p.CurrentCycle, &p.CurrentDay,
		&activated, &p.CompletedAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Principal, _ = decimal.NewFromString(principalS)
	p.Plan.DailyRate, _ = decimal.NewFromString(rateS)
	if activated != nil {
		p.ActivatedAt = *activated
	}
	return &p, nil
}

func scanCommission(row pgx.Row) (*model.Commission, error) {
	var c model.Commission
	var amountS string
	if err := row.Scan(&c.ID, &c.RecipientUserID, &c.SourceUserID, &c.PositionID, &c.Type, &c.Level,
		&amountS, &c.Currency, &c.Status, &c.CreatedAt, &c.UnlockDate, &c.UnlockedAt); err != nil {
		return nil, err
	}
	c.Amount, _ = decimal.NewFromString(amountS)
	return &c, nil
}

func encodeMeta(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode run metadata: %w", err)
	}
	return string(b), nil
}
