// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts batch runs by job type and outcome
	// (completed, failed, skipped).
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_runs_total",
		Help: "Total number of batch runs by outcome",
	}, []string{"job", "outcome"})

	// RunDuration tracks batch run duration.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_run_duration_seconds",
		Help:    "Batch run duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"job"})

	// ItemsTotal counts per-item results (processed, skipped, failed).
	ItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_items_total",
		Help: "Positions and commissions handled by batch runs",
	}, []string{"job", "result"})

	// AmountCredited accumulates credited amounts per job and currency.
	// Float is fine here: this is an observability series, not money.
	AmountCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_amount_credited_total",
		Help: "Sum of balance credits posted by batch runs",
	}, []string{"job", "currency"})

	// PositionsCompleted counts positions that exhausted their plan.
	PositionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_positions_completed_total",
		Help: "Positions transitioned to completed by the accrual engine",
	})

	// WalletAllocations counts wallet picks by pool and outcome.
	WalletAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_wallet_allocations_total",
		Help: "Wallet rotation picks",
	}, []string{"network", "currency", "outcome"})

	// RotationBalance is maxShown - minShown per pool at the last check.
	RotationBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_wallet_rotation_balance",
		Help: "Spread between most and least shown available wallet",
	}, []string{"network", "currency"})

	// LockAcquisitions counts job lock attempts by outcome.
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_job_lock_acquisitions_total",
		Help: "Job lock acquisition attempts",
	}, []string{"lock", "outcome"})

	// NotificationsDropped counts events that could not be delivered.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_notifications_dropped_total",
		Help: "Notifications dropped (queue full or sink error)",
	}, []string{"reason"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket feed upgrade through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
