// Package metrics provides Prometheus instrumentation for the exchange.
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
	// CommandsTotal counts inbound commands processed, by command type.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exch_commands_total",
		Help: "Total commands processed by the engine",
	}, []string{"type"})

	// CommandDuration tracks end-to-end command processing time.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exch_command_duration_seconds",
		Help:    "Command processing duration in seconds",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	}, []string{"type"})

	// EventsTotal counts outbound events emitted, by event type.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exch_events_total",
		Help: "Total events emitted by the sequencer",
	}, []string{"type"})

	// TradesTotal counts executed fills.
	TradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exch_trades_total",
		Help: "Total number of fills executed",
	})

	// TradeVolume accumulates filled quantity.
	TradeVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exch_trade_volume_total",
		Help: "Cumulative filled quantity",
	})

	// RejectsTotal counts refused orders and cancels, by reason code.
	RejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exch_rejects_total",
		Help: "Total rejections, by reason",
	}, []string{"reason"})

	// LiquidationsTotal counts liquidation events, by reason.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exch_liquidations_total",
		Help: "Total liquidation events, by reason",
	}, []string{"reason"})

	// JournalFramesTotal counts frames appended to the recovery journal.
	JournalFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exch_journal_frames_total",
		Help: "Frames appended to the recovery journal",
	})

	// FaultsTotal counts fatal engine invariant violations.
	FaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exch_engine_faults_total",
		Help: "Fatal engine invariant violations",
	})

	// WebSocketClients tracks connected WebSocket clients by endpoint.
	WebSocketClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "exch_websocket_clients",
		Help: "Number of connected WebSocket clients",
	}, []string{"endpoint"})

	// SubscribersDropped counts event-stream clients disconnected for
	// falling behind the fan-out.
	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exch_subscribers_dropped_total",
		Help: "Event stream subscribers dropped for lagging",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exch_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exch_http_request_duration_seconds",
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

		// Use the route pattern for the path label so parameterized
		// routes like /api/positions/{traderID} stay one series.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
