// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts committed trades, partitioned by kind.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubex_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind"})

	// TradeFailures counts rejected trades by reason.
	TradeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubex_trade_failures_total",
		Help: "Trades rejected, by failure reason",
	}, []string{"reason"})

	// TradeLatency is the trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clubex_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TickDuration tracks the scheduler tick end to end.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clubex_tick_duration_seconds",
		Help:    "Scheduler tick duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// TickFailures counts aborted ticks.
	TickFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clubex_tick_failures_total",
		Help: "Scheduler ticks aborted before commit",
	})

	// ListingsPriced gauges how many listings got a price last tick.
	ListingsPriced = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clubex_listings_priced",
		Help: "Listings priced in the most recent tick",
	})

	// DividendsPaid sums dividend payouts, partitioned by tier.
	DividendsPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubex_dividends_paid_total",
		Help: "Cumulative dividend payout amount",
	}, []string{"tier"})

	// ActiveEvent gauges whether a market event is currently active.
	ActiveEvent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clubex_market_event_active",
		Help: "1 when a market event is active, 0 otherwise",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clubex_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubex_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clubex_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
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
