// Package metrics provides Prometheus instrumentation for the broker engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts accepted orders by type and side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_orders_placed_total",
		Help: "Total orders accepted",
	}, []string{"type", "side"})

	// OrdersRejected counts pre-trade rejections by reason class.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_orders_rejected_total",
		Help: "Orders rejected before acceptance",
	}, []string{"reason"})

	// Fills counts executions by side.
	Fills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_fills_total",
		Help: "Total simulated executions",
	}, []string{"side"})

	// FillLatency tracks execution attempt latency.
	FillLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_fill_latency_seconds",
		Help:    "Execution attempt latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// LedgerTransactions counts balanced transactions posted.
	LedgerTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_ledger_transactions_total",
		Help: "Balanced ledger transactions posted",
	})

	// LedgerImbalances counts attempted imbalanced postings. Any increment
	// indicates a logic defect and should alert.
	LedgerImbalances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_ledger_imbalance_total",
		Help: "Rejected imbalanced ledger transactions",
	})

	// OrdersExpired counts DAY orders expired at session close.
	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_orders_expired_total",
		Help: "DAY orders expired at session close",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is small.
		path := r.URL.Path
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
