// Package metrics provides Prometheus instrumentation for the paper engine.
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
	// OrdersPlaced counts accepted orders, partitioned by type and side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_orders_placed_total",
		Help: "Total number of orders accepted by the engine",
	}, []string{"type", "side"})

	// OrderRejections counts orders refused by validation or execution.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_order_rejections_total",
		Help: "Orders rejected, by reason",
	}, []string{"reason"})

	// FillsTotal counts executions, by side and order source.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_fills_total",
		Help: "Total number of executions",
	}, []string{"side", "source"})

	// ExecutionLatency tracks placeOrder latency, including the quote lookup.
	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_execution_latency_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// PendingOrders tracks the number of queued conditional orders seen by
	// the last pending-order sweep.
	PendingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_pending_orders",
		Help: "Conditional orders waiting for a trigger",
	})

	// SweepDuration tracks background sweep duration.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_sweep_duration_seconds",
		Help:    "Background sweep duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	}, []string{"sweep"})

	// SweepFailures counts per-order/per-position failures isolated by a sweep.
	SweepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_sweep_failures_total",
		Help: "Failures skipped inside background sweeps",
	}, []string{"sweep"})

	// StopLossLiquidations counts automatic liquidations submitted.
	StopLossLiquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_stoploss_liquidations_total",
		Help: "Stop-loss market sells submitted by the risk monitor",
	})

	// QuoteLookups counts engine-side price cache lookups by result.
	QuoteLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_quote_lookups_total",
		Help: "Price lookups by cache result (hit, miss, error)",
	}, []string{"result"})

	// EventsDropped counts domain events dropped because the dispatch buffer
	// was full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_events_dropped_total",
		Help: "Domain events dropped by the dispatcher",
	})

	// SinkErrors counts event sink delivery failures.
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_event_sink_errors_total",
		Help: "Event sink delivery failures",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_http_request_duration_seconds",
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
