// Package api is the admin HTTP surface of the ledger engine: manual job
// triggers, run status for dashboards, and the wallet allocator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/yield-engine/internal/batch"
	"github.com/atmx/yield-engine/internal/calendar"
	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/rotation"
)

// ActorHeader carries the admin id recorded on manually triggered runs.
const ActorHeader = "X-Actor-ID"

// RequestTimeout bounds every admin request except manual runs.
const RequestTimeout = 30 * time.Second

// Runner triggers and reports batch runs.
type Runner interface {
	RunJob(ctx context.Context, job model.JobType, date string, opts batch.Options) (*model.DailyRun, error)
	GetRunStatus(ctx context.Context, job model.JobType, from, to string) ([]model.DailyRun, error)
	GetRun(ctx context.Context, job model.JobType, date string) (*model.DailyRun, error)
}

// Wallets is the wallet rotation allocator.
type Wallets interface {
	Pick(ctx context.Context, network, currency string) (*rotation.Allocation, error)
	Register(ctx context.Context, address, network, currency string) (*model.Wallet, error)
	Disable(ctx context.Context, id string) error
	Health(ctx context.Context, threshold int64) ([]rotation.PoolHealth, error)
	Rebalance(ctx context.Context, network, currency string) (int64, error)
}

// Handler serves the admin API.
type Handler struct {
	runner        Runner
	wallets       Wallets
	skewThreshold int64
	logger        *slog.Logger
}

// NewHandler creates the admin API handler.
func NewHandler(runner Runner, wallets Wallets, skewThreshold int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{runner: runner, wallets: wallets, skewThreshold: skewThreshold, logger: logger}
}

// Routes registers the handlers on r, normally the /api/v1 subrouter.
func (h *Handler) Routes(r chi.Router) {
	// Manual runs answer when the run closes, so they sit outside the
	// request timeout.
	r.Post("/jobs/{job}/run", h.RunJob)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(RequestTimeout))

		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{job}/{date}", h.GetRun)

		r.Post("/wallets/allocate", h.AllocateWallet)
		r.Post("/wallets", h.RegisterWallet)
		r.Post("/wallets/{walletID}/disable", h.DisableWallet)
		r.Get("/wallets/health", h.WalletHealth)
		r.Post("/wallets/rebalance", h.RebalanceWallets)
	})
}

// RunJob handles POST /api/v1/jobs/{job}/run?date=YYYY-MM-DD&force=bool
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	job := model.JobType(chi.URLParam(r, "job"))
	if !job.Valid() {
		writeError(w, "unknown job type", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	date := q.Get("date")
	if date != "" && !validDay(date) {
		writeError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	force := false
	if raw := q.Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, "force must be a boolean", http.StatusBadRequest)
			return
		}
		force = v
	}
	actor := r.Header.Get(ActorHeader)
	if actor == "" {
		writeError(w, ActorHeader+" header is required", http.StatusBadRequest)
		return
	}

	// A run, once started, finishes even if the caller goes away.
	ctx := context.WithoutCancel(r.Context())
	run, err := h.runner.RunJob(ctx, job, date, batch.Options{Actor: actor, Force: force, Trigger: "api"})
	if err != nil {
		if model.IsConcurrencySignal(err) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("manual run failed", "job", job, "date", date, "actor", actor, "err", err)
		writeError(w, "run failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Info("manual run completed", "job", job, "date", run.ProcessDate, "actor", actor, "force", force)
	writeJSON(w, http.StatusOK, run)
}

// ListRuns handles GET /api/v1/runs?job=&from=&to=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	job := model.JobType(q.Get("job"))
	if job != "" && !job.Valid() {
		writeError(w, "unknown job type", http.StatusBadRequest)
		return
	}
	from, to := q.Get("from"), q.Get("to")
	if (from != "" && !validDay(from)) || (to != "" && !validDay(to)) {
		writeError(w, "from and to must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if from != "" && to != "" && from > to {
		writeError(w, "from is after to", http.StatusBadRequest)
		return
	}

	runs, err := h.runner.GetRunStatus(r.Context(), job, from, to)
	if err != nil {
		h.logger.Error("list runs failed", "err", err)
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.DailyRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/v1/runs/{job}/{date}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	job := model.JobType(chi.URLParam(r, "job"))
	if !job.Valid() {
		writeError(w, "unknown job type", http.StatusBadRequest)
		return
	}
	date := chi.URLParam(r, "date")
	if !validDay(date) {
		writeError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	run, err := h.runner.GetRun(r.Context(), job, date)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, "no run recorded for "+string(job)+" on "+date, http.StatusNotFound)
			return
		}
		h.logger.Error("get run failed", "job", job, "date", date, "err", err)
		writeError(w, "failed to load run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// PoolRequest names a wallet pool.
type PoolRequest struct {
	Network  string `json:"network"`
	Currency string `json:"currency"`
}

// RegisterWalletRequest is the body of POST /api/v1/wallets.
type RegisterWalletRequest struct {
	Address  string `json:"address"`
	Network  string `json:"network"`
	Currency string `json:"currency"`
}

// AllocateWallet handles POST /api/v1/wallets/allocate
func (h *Handler) AllocateWallet(w http.ResponseWriter, r *http.Request) {
	var req PoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Network == "" || req.Currency == "" {
		writeError(w, "network and currency are required", http.StatusBadRequest)
		return
	}

	alloc, err := h.wallets.Pick(r.Context(), req.Network, req.Currency)
	if err != nil {
		if errors.Is(err, model.ErrNoWalletsAvailable) {
			writeError(w, "no wallets available for "+req.Network+"/"+req.Currency, http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("wallet allocation failed", "network", req.Network, "currency", req.Currency, "err", err)
		writeError(w, "failed to allocate wallet", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

// RegisterWallet handles POST /api/v1/wallets
func (h *Handler) RegisterWallet(w http.ResponseWriter, r *http.Request) {
	var req RegisterWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wallet, err := h.wallets.Register(r.Context(), req.Address, req.Network, req.Currency)
	switch {
	case errors.Is(err, rotation.ErrInvalidWallet):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, model.ErrAlreadyExists):
		writeError(w, "wallet already registered", http.StatusConflict)
		return
	case err != nil:
		h.logger.Error("wallet registration failed", "network", req.Network, "err", err)
		writeError(w, "failed to register wallet", http.StatusInternalServerError)
		return
	}

	h.logger.Info("wallet registered", "wallet_id", wallet.ID, "network", wallet.Network, "currency", wallet.Currency)
	writeJSON(w, http.StatusCreated, wallet)
}

// DisableWallet handles POST /api/v1/wallets/{walletID}/disable
func (h *Handler) DisableWallet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "walletID")
	if err := h.wallets.Disable(r.Context(), id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, "wallet not found", http.StatusNotFound)
			return
		}
		h.logger.Error("wallet disable failed", "wallet_id", id, "err", err)
		writeError(w, "failed to disable wallet", http.StatusInternalServerError)
		return
	}
	h.logger.Info("wallet disabled", "wallet_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(model.WalletDisabled)})
}

// WalletHealth handles GET /api/v1/wallets/health?threshold=
func (h *Handler) WalletHealth(w http.ResponseWriter, r *http.Request) {
	threshold := h.skewThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, "threshold must be a non-negative integer", http.StatusBadRequest)
			return
		}
		threshold = v
	}

	pools, err := h.wallets.Health(r.Context(), threshold)
	if err != nil {
		h.logger.Error("wallet health failed", "err", err)
		writeError(w, "failed to load wallet health", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threshold": threshold, "pools": pools})
}

// RebalanceWallets handles POST /api/v1/wallets/rebalance
func (h *Handler) RebalanceWallets(w http.ResponseWriter, r *http.Request) {
	var req PoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Network == "" || req.Currency == "" {
		writeError(w, "network and currency are required", http.StatusBadRequest)
		return
	}

	changed, err := h.wallets.Rebalance(r.Context(), req.Network, req.Currency)
	if err != nil {
		if errors.Is(err, model.ErrNoWalletsAvailable) {
			writeError(w, "pool has no available wallets", http.StatusNotFound)
			return
		}
		h.logger.Error("wallet rebalance failed", "network", req.Network, "currency", req.Currency, "err", err)
		writeError(w, "failed to rebalance pool", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"network":         req.Network,
		"currency":        req.Currency,
		"wallets_changed": changed,
	})
}

func validDay(s string) bool {
	_, err := time.Parse(calendar.DayLayout, s)
	return err == nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
