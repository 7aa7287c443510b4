package rotation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/rotation"
	"github.com/atmx/yield-engine/internal/store"
)

type testEnv struct {
	store *store.MemoryStore
	alloc *rotation.Allocator
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{store: store.NewMemoryStore(), now: time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)}
	// Each call advances a second so last-shown timestamps are distinct.
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		env.now = env.now.Add(time.Second)
		return env.now
	}
	env.alloc = rotation.NewAllocator(env.store, clock, nil)
	return env
}

func (env *testEnv) register(t *testing.T, n int) []*model.Wallet {
	t.Helper()
	var out []*model.Wallet
	for i := 0; i < n; i++ {
		w, err := env.alloc.Register(context.Background(), fmt.Sprintf("T-addr-%02d", i), "trc20", "usdt")
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		out = append(out, w)
	}
	return out
}

func TestPick_IsFairAcrossPool(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, 4)
	ctx := context.Background()

	for i := 0; i < 4*25; i++ {
		if _, err := env.alloc.Pick(ctx, "TRC20", "USDT"); err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
	}
	wallets, _ := env.alloc.Wallets(ctx, "TRC20", "USDT")
	for _, w := range wallets {
		if w.ShownCount != 25 {
			t.Errorf("wallet %s shown %d times, want 25", w.Address, w.ShownCount)
		}
	}
}

func TestPick_ConcurrentStaysBalanced(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, 5)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 53; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.alloc.Pick(ctx, "TRC20", "USDT"); err != nil {
				t.Errorf("pick: %v", err)
			}
		}()
	}
	wg.Wait()

	health, err := env.alloc.Health(ctx, 1)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if len(health) != 1 {
		t.Fatalf("expected one pool, got %d", len(health))
	}
	if health[0].Balance > 1 {
		t.Errorf("spread after concurrent picks = %d, want <= 1", health[0].Balance)
	}
}

func TestPick_NoWalletsAvailable(t *testing.T) {
	env := newTestEnv(t)
	ws := env.register(t, 1)
	ctx := context.Background()

	if err := env.alloc.Disable(ctx, ws[0].ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	_, err := env.alloc.Pick(ctx, "TRC20", "USDT")
	if !errors.Is(err, model.ErrNoWalletsAvailable) {
		t.Errorf("expected ErrNoWalletsAvailable, got %v", err)
	}

	// Disabled wallets keep their history.
	wallets, _ := env.alloc.Wallets(ctx, "TRC20", "USDT")
	if len(wallets) != 1 || wallets[0].Status != model.WalletDisabled {
		t.Errorf("disabled wallet should still be listed: %+v", wallets)
	}
}

func TestRegister_Validates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.alloc.Register(ctx, "  ", "TRC20", "USDT"); err == nil {
		t.Error("blank address should be rejected")
	}
	if _, err := env.alloc.Register(ctx, "T-1", "", "USDT"); err == nil {
		t.Error("blank network should be rejected")
	}
	if _, err := env.alloc.Register(ctx, "T-1", "TRC20", "USDT"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := env.alloc.Register(ctx, "T-1", "trc20", "USDT"); err == nil {
		t.Error("duplicate address on a network should be rejected")
	}
}

func TestHealthAndRebalance(t *testing.T) {
	env := newTestEnv(t)
	ws := env.register(t, 3)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		env.alloc.Pick(ctx, "TRC20", "USDT")
	}
	// A wallet added late starts at zero and skews the pool.
	late, err := env.alloc.Register(ctx, "T-late", "TRC20", "USDT")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	health, _ := env.alloc.Health(ctx, 5)
	if !health[0].Skewed || health[0].Balance != 10 {
		t.Fatalf("expected skewed pool with spread 10, got %+v", health[0])
	}

	changed, err := env.alloc.Rebalance(ctx, "trc20", "usdt")
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if changed != int64(len(ws)) {
		t.Errorf("changed = %d, want %d", changed, len(ws))
	}
	health, _ = env.alloc.Health(ctx, 5)
	if health[0].Skewed || health[0].Balance != 0 {
		t.Errorf("pool should be even after rebalance, got %+v", health[0])
	}

	// The late wallet has the oldest (nil) last-shown time and wins the tie.
	a, _ := env.alloc.Pick(ctx, "TRC20", "USDT")
	if a.WalletID != late.ID {
		t.Errorf("expected late wallet first, got %s", a.Address)
	}
}

func TestRebalance_UnknownPool(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.alloc.Rebalance(context.Background(), "ERC20", "USDC")
	if !errors.Is(err, model.ErrNoWalletsAvailable) {
		t.Errorf("expected ErrNoWalletsAvailable, got %v", err)
	}
}
