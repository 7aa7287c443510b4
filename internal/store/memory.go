package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/yield-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex serializes every method, so each multi-record write is
// trivially atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[runKey]*model.DailyRun
	locks       map[string]model.JobLock
	wallets     map[string]*model.Wallet
	positions   map[string]*model.Position
	entries     []model.BenefitEntry
	entryKeys   map[model.BenefitKey]bool
	commissions map[string]*model.Commission
	balances    map[balanceKey]*model.Balance
	txns        []model.BalanceTransaction
}

type runKey struct {
	job  model.JobType
	date string
}

type balanceKey struct {
	userID   string
	currency string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[runKey]*model.DailyRun),
		locks:       make(map[string]model.JobLock),
		wallets:     make(map[string]*model.Wallet),
		positions:   make(map[string]*model.Position),
		entryKeys:   make(map[model.BenefitKey]bool),
		commissions: make(map[string]*model.Commission),
		balances:    make(map[balanceKey]*model.Balance),
	}
}

// --- Daily processing records ---

func (s *MemoryStore) ClaimRun(_ context.Context, claim model.RunClaim) (*model.DailyRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := runKey{claim.JobType, claim.ProcessDate}
	run, ok := s.runs[k]
	if ok {
		if err := run.CheckClaim(claim); err != nil {
			return nil, err
		}
		run.Status = model.RunProcessing
		run.StartedAt = claim.Now
		run.CompletedAt = nil
		run.ErrorMessage = ""
		run.Stats = model.RunStats{}
		run.Attempts++
		run.Metadata = copyMeta(claim.Metadata)
	} else {
		run = &model.DailyRun{
			JobType:     claim.JobType,
			ProcessDate: claim.ProcessDate,
			Status:      model.RunProcessing,
			StartedAt:   claim.Now,
			Attempts:    1,
			Metadata:    copyMeta(claim.Metadata),
		}
		s.runs[k] = run
	}
	out := copyRun(run)
	return &out, nil
}

func (s *MemoryStore) CompleteRun(_ context.Context, job model.JobType, date string, stats model.RunStats, at time.Time) (*model.DailyRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runKey{job, date}]
	if !ok {
		return nil, fmt.Errorf("complete %s %s: %w", job, date, model.ErrNoRunState)
	}
	if run.Status == model.RunCompleted {
		return nil, fmt.Errorf("complete %s %s: %w", job, date, model.ErrAlreadyCompleted)
	}
	stats.DurationMs = at.Sub(run.StartedAt).Milliseconds()
	run.Status = model.RunCompleted
	run.CompletedAt = &at
	run.Stats = stats
	run.ErrorMessage = ""

	out := copyRun(run)
	return &out, nil
}

func (s *MemoryStore) FailRun(_ context.Context, job model.JobType, date string, message string, stats model.RunStats, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runKey{job, date}]
	if !ok {
		return fmt.Errorf("fail %s %s: %w", job, date, model.ErrNoRunState)
	}
	if run.Status == model.RunCompleted {
		return fmt.Errorf("fail %s %s: %w", job, date, model.ErrAlreadyCompleted)
	}
	stats.DurationMs = at.Sub(run.StartedAt).Milliseconds()
	run.Status = model.RunFailed
	run.CompletedAt = &at
	run.Stats = stats
	run.ErrorMessage = message
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, job model.JobType, date string) (*model.DailyRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runKey{job, date}]
	if !ok {
		return nil, fmt.Errorf("run %s %s: %w", job, date, model.ErrNotFound)
	}
	out := copyRun(run)
	return &out, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, job model.JobType, from, to string) ([]model.DailyRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DailyRun
	for k, run := range s.runs {
		if job != "" && k.job != job {
			continue
		}
		// YYYY-MM-DD keys order lexically.
		if (from != "" && k.date < from) || (to != "" && k.date > to) {
			continue
		}
		result = append(result, copyRun(run))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ProcessDate != result[j].ProcessDate {
			return result[i].ProcessDate > result[j].ProcessDate
		}
		return result[i].JobType < result[j].JobType
	})
	return result, nil
}

// --- Job locks ---

func (s *MemoryStore) AcquireLock(_ context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.locks[name]; ok && l.LockUntil.After(now) {
		return false, nil
	}
	s.locks[name] = model.JobLock{Name: name, Owner: owner, LockUntil: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.locks[name]; ok && l.Owner == owner {
		delete(s.locks, name)
	}
	return nil
}

// --- Wallet pool ---

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.wallets {
		if existing.Address == w.Address && existing.Network == w.Network {
			return fmt.Errorf("wallet %s on %s: %w", w.Address, w.Network, model.ErrAlreadyExists)
		}
	}
	copy := *w
	s.wallets[w.ID] = &copy
	return nil
}

func (s *MemoryStore) PickWallet(_ context.Context, network, currency string, now time.Time) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.poolLocked(network, currency, true)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("pick %s/%s: %w", network, currency, model.ErrNoWalletsAvailable)
	}
	w := candidates[0]
	w.ShownCount++
	shown := now
	w.LastShownAt = &shown

	copy := *w
	return &copy, nil
}

func (s *MemoryStore) SetWalletStatus(_ context.Context, id string, status model.WalletStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return fmt.Errorf("wallet %s: %w", id, model.ErrNotFound)
	}
	w.Status = status
	return nil
}

func (s *MemoryStore) ListWallets(_ context.Context, network, currency string) ([]model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pool := s.poolLocked(network, currency, false)
	result := make([]model.Wallet, 0, len(pool))
	for _, w := range pool {
		result = append(result, *w)
	}
	return result, nil
}

func (s *MemoryStore) PoolStats(_ context.Context) ([]model.PoolStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type poolKey struct{ network, currency string }
	agg := make(map[poolKey]*model.PoolStats)
	for _, w := range s.wallets {
		if w.Status != model.WalletAvailable {
			continue
		}
		k := poolKey{w.Network, w.Currency}
		ps, ok := agg[k]
		if !ok {
			ps = &model.PoolStats{Network: w.Network, Currency: w.Currency, MinShown: w.ShownCount, MaxShown: w.ShownCount}
			agg[k] = ps
		}
		ps.Available++
		if w.ShownCount < ps.MinShown {
			ps.MinShown = w.ShownCount
		}
		if w.ShownCount > ps.MaxShown {
			ps.MaxShown = w.ShownCount
		}
	}

	result := make([]model.PoolStats, 0, len(agg))
	for _, ps := range agg {
		result = append(result, *ps)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Network != result[j].Network {
			return result[i].Network < result[j].Network
		}
		return result[i].Currency < result[j].Currency
	})
	return result, nil
}

func (s *MemoryStore) ClampShownCounts(_ context.Context, network, currency string, ceiling int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed int64
	for _, w := range s.poolLocked(network, currency, true) {
		if w.ShownCount > ceiling {
			w.ShownCount = ceiling
			changed++
		}
	}
	return changed, nil
}

// poolLocked returns a pool's wallets sorted by (shownCount, lastShownAt,
// id); never-shown wallets sort before any shown one. Caller holds mu.
func (s *MemoryStore) poolLocked(network, currency string, availableOnly bool) []*model.Wallet {
	var pool []*model.Wallet
	for _, w := range s.wallets {
		if w.Network != network || w.Currency != currency {
			continue
		}
		if availableOnly && w.Status != model.WalletAvailable {
			continue
		}
		pool = append(pool, w)
	}
	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.ShownCount != b.ShownCount {
			return a.ShownCount < b.ShownCount
		}
		switch {
		case a.LastShownAt == nil && b.LastShownAt != nil:
			return true
		case a.LastShownAt != nil && b.LastShownAt == nil:
			return false
		case a.LastShownAt != nil && !a.LastShownAt.Equal(*b.LastShownAt):
			return a.LastShownAt.Before(*b.LastShownAt)
		}
		return a.ID < b.ID
	})
	return pool
}

// --- Positions and benefit ledger ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("position %s: %w", p.ID, model.ErrAlreadyExists)
	}
	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListActivePositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.Status == model.PositionActive {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ActivatedAt.Equal(result[j].ActivatedAt) {
			return result[i].ActivatedAt.Before(result[j].ActivatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) CompletePosition(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return false, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	if p.Status != model.PositionActive {
		return false, nil
	}
	p.Status = model.PositionCompleted
	p.CompletedAt = &at
	return true, nil
}

func (s *MemoryStore) BenefitEntryExists(_ context.Context, key model.BenefitKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryKeys[key], nil
}

func (s *MemoryStore) PostBenefit(_ context.Context, entry *model.BenefitEntry, txn *model.BalanceTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entry.Key()
	if s.entryKeys[key] {
		return fmt.Errorf("benefit %s c%d d%d %s: %w",
			key.PositionID, key.Cycle, key.Day, key.ScheduledDate, model.ErrDuplicateEntry)
	}
	p, ok := s.positions[entry.PositionID]
	if !ok {
		return fmt.Errorf("position %s: %w", entry.PositionID, model.ErrNotFound)
	}
	if p.Status != model.PositionActive {
		return fmt.Errorf("position %s: %w", entry.PositionID, model.ErrPositionNotActive)
	}

	s.entryKeys[key] = true
	s.entries = append(s.entries, *entry)
	p.CurrentCycle = entry.Cycle
	p.CurrentDay = entry.Day
	s.applyLocked(txn)
	return nil
}

func (s *MemoryStore) ListBenefitEntries(_ context.Context, positionID string) ([]model.BenefitEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BenefitEntry
	for _, e := range s.entries {
		if e.PositionID == positionID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Cycle != result[j].Cycle {
			return result[i].Cycle < result[j].Cycle
		}
		return result[i].Day < result[j].Day
	})
	return result, nil
}

// --- Commissions ---

func (s *MemoryStore) CreateCommission(_ context.Context, c *model.Commission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.commissions[c.ID]; ok {
		return fmt.Errorf("commission %s: %w", c.ID, model.ErrAlreadyExists)
	}
	copy := *c
	s.commissions[c.ID] = &copy
	return nil
}

func (s *MemoryStore) GetCommission(_ context.Context, id string) (*model.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commissions[id]
	if !ok {
		return nil, fmt.Errorf("commission %s: %w", id, model.ErrNotFound)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ListUnlockableCommissions(_ context.Context, asOf time.Time) ([]model.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Commission
	for _, c := range s.commissions {
		if c.Status == model.CommissionPending && !c.UnlockDate.After(asOf) {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UnlockDate.Equal(result[j].UnlockDate) {
			return result[i].UnlockDate.Before(result[j].UnlockDate)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) UnlockCommission(_ context.Context, id string, at time.Time, txn *model.BalanceTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commissions[id]
	if !ok {
		return fmt.Errorf("commission %s: %w", id, model.ErrNotFound)
	}
	if c.Status != model.CommissionPending {
		return fmt.Errorf("commission %s is %s: %w", id, c.Status, model.ErrCommissionNotPending)
	}
	c.Status = model.CommissionAvailable
	c.UnlockedAt = &at
	s.applyLocked(txn)
	return nil
}

// --- Balances ---

func (s *MemoryStore) GetBalance(_ context.Context, userID, currency string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.balances[balanceKey{userID, currency}]; ok {
		copy := *b
		return &copy, nil
	}
	return &model.Balance{UserID: userID, Currency: currency}, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.BalanceTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BalanceTransaction
	for _, t := range s.txns {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

// applyLocked increments available and total and appends the audit record.
// Caller holds mu.
func (s *MemoryStore) applyLocked(txn *model.BalanceTransaction) {
	k := balanceKey{txn.UserID, txn.Currency}
	b, ok := s.balances[k]
	if !ok {
		b = &model.Balance{UserID: txn.UserID, Currency: txn.Currency, Available: decimal.Zero, Total: decimal.Zero}
		s.balances[k] = b
	}
	b.Available = b.Available.Add(txn.Amount)
	b.Total = b.Total.Add(txn.Amount)
	b.UpdatedAt = txn.CreatedAt
	s.txns = append(s.txns, *txn)
}

func copyRun(r *model.DailyRun) model.DailyRun {
	out := *r
	out.Metadata = copyMeta(r.Metadata)
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
