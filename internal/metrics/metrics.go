// Package metrics provides Prometheus instrumentation for the settlement
// and margin engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesPosted counts raw trades by outcome: posted, failed, skipped.
	TradesPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_raw_trades_total",
		Help: "Raw trades handled by the execution processor, by outcome",
	}, []string{"outcome"})

	// TradeValue tracks cumulative posted trade value by side.
	TradeValue = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trade_value_total",
		Help: "Cumulative gross value of posted executions",
	}, []string{"side"})

	// BatchDuration tracks batch slice duration by job.
	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_batch_duration_seconds",
		Help:    "Duration of one batch slice in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"job"})

	// MarginStatus tracks clients per margin status from the latest run.
	MarginStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settle_margin_clients",
		Help: "Margin clients per status in the latest margin slice",
	}, []string{"status"})

	// MarginAlerts counts margin alerts raised, by type.
	MarginAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_margin_alerts_total",
		Help: "Margin alerts raised",
	}, []string{"type"})

	// SecuritiesClassified counts classification outcomes by reason.
	SecuritiesClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_securities_classified_total",
		Help: "Securities classified, by reason",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBatch records the duration of a batch slice that started at start.
func ObserveBatch(job string, start time.Time) {
	BatchDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
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
