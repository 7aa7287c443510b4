package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/yield-engine/internal/accrual"
	"github.com/atmx/yield-engine/internal/api"
	"github.com/atmx/yield-engine/internal/batch"
	"github.com/atmx/yield-engine/internal/calendar"
	"github.com/atmx/yield-engine/internal/joblock"
	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/rotation"
	"github.com/atmx/yield-engine/internal/runledger"
	"github.com/atmx/yield-engine/internal/store"
	"github.com/atmx/yield-engine/internal/unlock"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var now = time.Date(2025, 8, 15, 9, 30, 0, 0, time.UTC)

func clock() time.Time { return now }

// newTestEnv wires the admin API over a memory store and a chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	return ms, newRouter(t, ms)
}

func newRouter(t *testing.T, st store.Store) chi.Router {
	t.Helper()
	cal := calendar.New(time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := batch.NewRunner(batch.Deps{
		Locker:   joblock.NewStoreLocker(st, "instance-a", clock),
		Ledger:   runledger.NewService(st, clock, 0),
		Accrual:  accrual.NewEngine(st, cal, accrual.Options{Scale: 2, Clock: clock, Logger: logger}),
		Unlock:   unlock.NewEngine(st, cal, unlock.Options{Clock: clock, Logger: logger}),
		Calendar: cal,
		Clock:    clock,
		Logger:   logger,
	})
	h := api.NewHandler(runner, rotation.NewAllocator(st, clock, logger), 5, logger)

	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	return r
}

func seedPosition(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	p := &model.Position{
		ID:          id,
		UserID:      "u-" + id,
		Principal:   d("1000"),
		Currency:    "USDT",
		Status:      model.PositionActive,
		Plan:        model.BenefitPlan{DailyRate: d("0.125"), DaysPerCycle: 8, TotalCycles: 5},
		ActivatedAt: now.AddDate(0, 0, -1),
	}
	if err := ms.CreatePosition(context.Background(), p); err != nil {
		t.Fatalf("failed to seed position: %v", err)
	}
}

func do(t *testing.T, router chi.Router, method, path string, body any, actor string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(api.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp["error"]
}

// --- Job triggers ---

func TestRunJob_ManualAccrual(t *testing.T) {
	ms, router := newTestEnv(t)
	seedPosition(t, ms, "p1")

	w := do(t, router, "POST", "/api/v1/jobs/daily_accrual/run?date=2025-08-15", nil, "admin-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var run model.DailyRun
	json.NewDecoder(w.Body).Decode(&run)
	if run.Status != model.RunCompleted || run.Stats.ProcessedCount != 1 {
		t.Errorf("unexpected run %+v", run)
	}
	if run.Metadata["actor"] != "admin-1" || run.Metadata["trigger"] != "api" {
		t.Errorf("metadata = %+v", run.Metadata)
	}

	// Repeating a completed day is a conflict and credits nothing.
	w = do(t, router, "POST", "/api/v1/jobs/daily_accrual/run?date=2025-08-15&force=true", nil, "admin-1")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	b, _ := ms.GetBalance(context.Background(), "u-p1", "USDT")
	if !b.Available.Equal(d("125")) {
		t.Errorf("balance = %s, want 125", b.Available)
	}
}

func TestRunJob_LockHeldElsewhere(t *testing.T) {
	ms, router := newTestEnv(t)
	other := joblock.NewStoreLocker(ms, "instance-b", clock)
	other.Acquire(context.Background(), string(model.JobCommissionUnlock), time.Hour)

	w := do(t, router, "POST", "/api/v1/jobs/commission_unlock/run", nil, "admin-1")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRunJob_Validation(t *testing.T) {
	_, router := newTestEnv(t)
	tests := []struct {
		name  string
		path  string
		actor string
	}{
		{"unknown job", "/api/v1/jobs/payout/run", "admin-1"},
		{"rotation check has no run", "/api/v1/jobs/rotation_check/run", "admin-1"},
		{"bad date", "/api/v1/jobs/daily_accrual/run?date=15-08-2025", "admin-1"},
		{"bad force", "/api/v1/jobs/daily_accrual/run?force=maybe", "admin-1"},
		{"missing actor", "/api/v1/jobs/daily_accrual/run", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, router, "POST", tc.path, nil, tc.actor)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestListRuns(t *testing.T) {
	_, router := newTestEnv(t)
	do(t, router, "POST", "/api/v1/jobs/commission_unlock/run?date=2025-08-14", nil, "admin-1")
	do(t, router, "POST", "/api/v1/jobs/daily_accrual/run?date=2025-08-14", nil, "admin-1")

	w := do(t, router, "GET", "/api/v1/runs?job=commission_unlock&from=2025-08-01&to=2025-08-31", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var runs []model.DailyRun
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 1 || runs[0].JobType != model.JobCommissionUnlock {
		t.Errorf("unexpected runs %+v", runs)
	}

	w = do(t, router, "GET", "/api/v1/runs?from=2025-09-01&to=2025-09-30", nil, "")
	if w.Code != http.StatusOK || bytes.TrimSpace(w.Body.Bytes())[0] != '[' {
		t.Errorf("empty range should be an empty list, got %d %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/runs?from=2025-08-31&to=2025-08-01", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("inverted range: expected 400, got %d", w.Code)
	}
}

func TestGetRun(t *testing.T) {
	_, router := newTestEnv(t)
	do(t, router, "POST", "/api/v1/jobs/commission_unlock/run?date=2025-08-14", nil, "admin-1")

	w := do(t, router, "GET", "/api/v1/runs/commission_unlock/2025-08-14", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var run model.DailyRun
	json.NewDecoder(w.Body).Decode(&run)
	if run.JobType != model.JobCommissionUnlock || run.Status != model.RunCompleted {
		t.Errorf("unexpected run %+v", run)
	}

	tests := []struct {
		path string
		code int
	}{
		{"/api/v1/runs/commission_unlock/2025-08-13", http.StatusNotFound},
		{"/api/v1/runs/payout/2025-08-14", http.StatusBadRequest},
		{"/api/v1/runs/commission_unlock/14-08-2025", http.StatusBadRequest},
	}
	for _, tc := range tests {
		if w := do(t, router, "GET", tc.path, nil, ""); w.Code != tc.code {
			t.Errorf("%s: expected %d, got %d", tc.path, tc.code, w.Code)
		}
	}
}

func TestGetRun_ServedFromRunCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ms := store.NewMemoryStore()
	router := newRouter(t, store.NewCachedStore(ms, rdb, time.Minute))
	seedPosition(t, ms, "p1")

	w := do(t, router, "POST", "/api/v1/jobs/daily_accrual/run?date=2025-08-15", nil, "admin-1")
	if w.Code != http.StatusOK {
		t.Fatalf("run: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	const key = "ledger:run:daily_accrual:2025-08-15"
	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("completed run should be cached: %v", err)
	}

	// Alter the cached copy only; the response must reflect it.
	var cached model.DailyRun
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		t.Fatalf("decode cached run: %v", err)
	}
	cached.Stats.ProcessedCount = 99
	b, _ := json.Marshal(cached)
	mr.Set(key, string(b))

	w = do(t, router, "GET", "/api/v1/runs/daily_accrual/2025-08-15", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var run model.DailyRun
	json.NewDecoder(w.Body).Decode(&run)
	if run.Stats.ProcessedCount != 99 {
		t.Errorf("processed = %d, want the cached 99", run.Stats.ProcessedCount)
	}
}

// --- Wallets ---

func TestWallets_RegisterAllocateDisable(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/wallets", api.RegisterWalletRequest{Address: "T-1", Network: "trc20", Currency: "usdt"}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var wallet model.Wallet
	json.NewDecoder(w.Body).Decode(&wallet)
	if wallet.Network != "TRC20" || wallet.Currency != "USDT" || wallet.Status != model.WalletAvailable {
		t.Errorf("unexpected wallet %+v", wallet)
	}

	w = do(t, router, "POST", "/api/v1/wallets", api.RegisterWalletRequest{Address: "T-1", Network: "TRC20", Currency: "USDT"}, "")
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", w.Code)
	}
	w = do(t, router, "POST", "/api/v1/wallets", api.RegisterWalletRequest{Network: "TRC20", Currency: "USDT"}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing address: expected 400, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/wallets/allocate", api.PoolRequest{Network: "TRC20", Currency: "USDT"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var alloc rotation.Allocation
	json.NewDecoder(w.Body).Decode(&alloc)
	if alloc.Address != "T-1" || alloc.WalletID != wallet.ID {
		t.Errorf("unexpected allocation %+v", alloc)
	}

	w = do(t, router, "POST", "/api/v1/wallets/"+wallet.ID+"/disable", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("disable: expected 200, got %d", w.Code)
	}
	w = do(t, router, "POST", "/api/v1/wallets/allocate", api.PoolRequest{Network: "TRC20", Currency: "USDT"}, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("empty pool: expected 503, got %d", w.Code)
	}
	if msg := errorMessage(t, w); msg == "" {
		t.Error("expected an error message")
	}

	w = do(t, router, "POST", "/api/v1/wallets/no-such-wallet/disable", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown wallet: expected 404, got %d", w.Code)
	}
}

func TestWallets_HealthAndRebalance(t *testing.T) {
	_, router := newTestEnv(t)
	do(t, router, "POST", "/api/v1/wallets", api.RegisterWalletRequest{Address: "T-1", Network: "TRC20", Currency: "USDT"}, "")
	for i := 0; i < 8; i++ {
		do(t, router, "POST", "/api/v1/wallets/allocate", api.PoolRequest{Network: "TRC20", Currency: "USDT"}, "")
	}
	do(t, router, "POST", "/api/v1/wallets", api.RegisterWalletRequest{Address: "T-2", Network: "TRC20", Currency: "USDT"}, "")

	w := do(t, router, "GET", "/api/v1/wallets/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var health struct {
		Threshold int64                 `json:"threshold"`
		Pools     []rotation.PoolHealth `json:"pools"`
	}
	json.NewDecoder(w.Body).Decode(&health)
	if health.Threshold != 5 || len(health.Pools) != 1 || health.Pools[0].Balance != 8 || !health.Pools[0].Skewed {
		t.Fatalf("unexpected health %+v", health)
	}

	w = do(t, router, "POST", "/api/v1/wallets/rebalance", api.PoolRequest{Network: "TRC20", Currency: "USDT"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("rebalance: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/wallets/health?threshold=0", nil, "")
	json.NewDecoder(w.Body).Decode(&health)
	if health.Pools[0].Balance != 0 || health.Pools[0].Skewed {
		t.Errorf("pool should be even after rebalance, got %+v", health.Pools[0])
	}

	w = do(t, router, "POST", "/api/v1/wallets/rebalance", api.PoolRequest{Network: "ERC20", Currency: "USDT"}, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown pool: expected 404, got %d", w.Code)
	}
	w = do(t, router, "GET", "/api/v1/wallets/health?threshold=-1", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative threshold: expected 400, got %d", w.Code)
	}
}

func TestRouter_HealthMetricsAndPreflight(t *testing.T) {
	ms := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := api.NewHandler(nil, rotation.NewAllocator(ms, clock, logger), 5, logger)
	router := api.NewRouter(h, nil)

	w := do(t, router, "GET", "/health", nil, "")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"status":"ok"`)) {
		t.Errorf("health: %d %s", w.Code, w.Body.String())
	}

	// Generate one routed request so the HTTP metrics have a sample.
	do(t, router, "GET", "/api/v1/wallets/health", nil, "")
	w = do(t, router, "GET", "/metrics", nil, "")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("ledger_http_requests_total")) {
		t.Errorf("metrics endpoint missing HTTP counters: %d", w.Code)
	}

	w = do(t, router, "OPTIONS", "/api/v1/jobs/daily_accrual/run", nil, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight: expected 204, got %d", w.Code)
	}
	if allow := w.Header().Get("Access-Control-Allow-Headers"); !bytes.Contains([]byte(allow), []byte(api.ActorHeader)) {
		t.Errorf("preflight must allow %s, got %q", api.ActorHeader, allow)
	}
}
