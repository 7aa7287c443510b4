// Package rotation hands out payment-receiving addresses from a pool so
// that every available wallet is shown about equally often.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/yield-engine/internal/calendar"
	"github.com/atmx/yield-engine/internal/metrics"
	"github.com/atmx/yield-engine/internal/model"
)

// ErrInvalidWallet is returned when a wallet registration is incomplete.
var ErrInvalidWallet = errors.New("rotation: invalid wallet")

// Store is the slice of persistence the allocator needs.
type Store interface {
	CreateWallet(ctx context.Context, w *model.Wallet) error
	PickWallet(ctx context.Context, network, currency string, now time.Time) (*model.Wallet, error)
	SetWalletStatus(ctx context.Context, id string, status model.WalletStatus) error
	ListWallets(ctx context.Context, network, currency string) ([]model.Wallet, error)
	PoolStats(ctx context.Context) ([]model.PoolStats, error)
	ClampShownCounts(ctx context.Context, network, currency string, ceiling int64) (int64, error)
}

// Allocation is the address handed to a payer.
type Allocation struct {
	WalletID string `json:"wallet_id"`
	Address  string `json:"address"`
	Network  string `json:"network"`
	Currency string `json:"currency"`
}

// PoolHealth is the rotation state of one pool.
type PoolHealth struct {
	model.PoolStats
	Balance int64 `json:"rotation_balance"`
	Skewed  bool  `json:"skewed"`
}

// Allocator picks wallets least-recently-shown first.
type Allocator struct {
	store  Store
	clock  calendar.Clock
	logger *slog.Logger
}

// NewAllocator creates an allocator. A nil clock uses the system clock.
func NewAllocator(st Store, clock calendar.Clock, logger *slog.Logger) *Allocator {
	if clock == nil {
		clock = calendar.SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{store: st, clock: clock, logger: logger}
}

// Pick returns the least-shown available wallet of the pool and records
// that it was shown. Concurrent picks never observe the same pre-pick
// counter value.
func (a *Allocator) Pick(ctx context.Context, network, currency string) (*Allocation, error) {
	network, currency = normalize(network), normalize(currency)
	w, err := a.store.PickWallet(ctx, network, currency, a.clock())
	if err != nil {
		outcome := "error"
		if errors.Is(err, model.ErrNoWalletsAvailable) {
			outcome = "empty"
		}
		metrics.WalletAllocations.WithLabelValues(network, currency, outcome).Inc()
		return nil, fmt.Errorf("pick wallet %s/%s: %w", network, currency, err)
	}
	metrics.WalletAllocations.WithLabelValues(network, currency, "allocated").Inc()
	a.logger.Debug("wallet allocated", "wallet_id", w.ID, "network", network, "currency", currency, "shown_count", w.ShownCount)
	return &Allocation{WalletID: w.ID, Address: w.Address, Network: w.Network, Currency: w.Currency}, nil
}

// Register adds an address to its pool as available with zero shows.
func (a *Allocator) Register(ctx context.Context, address, network, currency string) (*model.Wallet, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("%w: address is required", ErrInvalidWallet)
	}
	network, currency = normalize(network), normalize(currency)
	if network == "" || currency == "" {
		return nil, fmt.Errorf("%w: network and currency are required", ErrInvalidWallet)
	}
	w := &model.Wallet{
		ID:        uuid.NewString(),
		Address:   address,
		Network:   network,
		Currency:  currency,
		Status:    model.WalletAvailable,
		CreatedAt: a.clock(),
	}
	if err := a.store.CreateWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return w, nil
}

// Disable takes a wallet out of rotation. Its history is kept.
func (a *Allocator) Disable(ctx context.Context, id string) error {
	return a.store.SetWalletStatus(ctx, id, model.WalletDisabled)
}

// Wallets lists a pool in rotation order.
func (a *Allocator) Wallets(ctx context.Context, network, currency string) ([]model.Wallet, error) {
	return a.store.ListWallets(ctx, normalize(network), normalize(currency))
}

// Health reports every pool's spread between most and least shown wallet.
// A pool is skewed when the spread exceeds threshold.
func (a *Allocator) Health(ctx context.Context, threshold int64) ([]PoolHealth, error) {
	stats, err := a.store.PoolStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool stats: %w", err)
	}
	out := make([]PoolHealth, 0, len(stats))
	for _, s := range stats {
		bal := s.RotationBalance()
		metrics.RotationBalance.WithLabelValues(s.Network, s.Currency).Set(float64(bal))
		out = append(out, PoolHealth{PoolStats: s, Balance: bal, Skewed: bal > threshold})
	}
	return out, nil
}

// Rebalance lowers every shown count of the pool to the pool minimum, so
// the next picks start from an even field. Returns wallets changed.
func (a *Allocator) Rebalance(ctx context.Context, network, currency string) (int64, error) {
	network, currency = normalize(network), normalize(currency)
	stats, err := a.store.PoolStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("pool stats: %w", err)
	}
	for _, s := range stats {
		if s.Network != network || s.Currency != currency {
			continue
		}
		n, err := a.store.ClampShownCounts(ctx, network, currency, s.MinShown)
		if err != nil {
			return 0, fmt.Errorf("clamp %s/%s: %w", network, currency, err)
		}
		a.logger.Info("wallet pool rebalanced", "network", network, "currency", currency,
			"ceiling", s.MinShown, "wallets_changed", n)
		metrics.RotationBalance.WithLabelValues(network, currency).Set(0)
		return n, nil
	}
	return 0, fmt.Errorf("pool %s/%s: %w", network, currency, model.ErrNoWalletsAvailable)
}

func normalize(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
