// Package metrics provides Prometheus metrics for the lab platform API
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
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vlab",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vlab",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks current in-flight requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vlab",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	// HTTPResponseSize measures HTTP response size in bytes
	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vlab",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)
)

var (
	// DBConnectionsOpen tracks open database connections
	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vlab",
			Subsystem: "db",
			Name:      "connections_open",
			Help:      "Number of open database connections",
		},
	)

	// DBConnectionsInUse tracks database connections currently in use
	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vlab",
			Subsystem: "db",
			Name:      "connections_in_use",
			Help:      "Number of database connections currently in use",
		},
	)

	// DBConnectionsIdle tracks idle database connections
	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vlab",
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	// DBConnectionsMaxOpen tracks maximum open database connections
	DBConnectionsMaxOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vlab",
			Subsystem: "db",
			Name:      "connections_max_open",
			Help:      "Maximum number of open database connections",
		},
	)

	// DBQueryDuration measures database query duration
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vlab",
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

var (
	// BookingsCreatedTotal counts accepted bookings
	BookingsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vlab",
			Subsystem: "booking",
			Name:      "created_total",
			Help:      "Total number of accepted bookings",
		},
	)

	// BookingConflictsTotal counts booking requests rejected for overlap
	BookingConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vlab",
			Subsystem: "booking",
			Name:      "conflicts_total",
			Help:      "Total number of booking requests rejected due to window overlap",
		},
	)
)

var (
	// FlashResultsTotal counts firmware flash outcomes by board and result
	FlashResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vlab",
			Subsystem: "flash",
			Name:      "results_total",
			Help:      "Total number of firmware flash attempts by board type and result",
		},
		[]string{"board", "result"},
	)

	// SessionsActive tracks currently open lab sessions
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vlab",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of currently open lab sessions",
		},
	)

	// SessionsClosedTotal counts session closes by reason
	SessionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vlab",
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Total number of closed lab sessions by reason",
		},
		[]string{"reason"},
	)
)

var (
	// BatteryVoltage exposes the last sampled battery voltage
	BatteryVoltage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vlab",
			Subsystem: "power",
			Name:      "battery_voltage",
			Help:      "Last sampled battery voltage in volts",
		},
	)

	// BatteryCapacity exposes the last sampled battery capacity
	BatteryCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vlab",
			Subsystem: "power",
			Name:      "battery_capacity_percent",
			Help:      "Last sampled battery capacity in percent",
		},
	)

	// ACPresent exposes mains presence as 0/1
	ACPresent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vlab",
			Subsystem: "power",
			Name:      "ac_present",
			Help:      "Whether mains power is present (1) or the lab runs on battery (0)",
		},
	)
)

var (
	// SSEConnectionsActive tracks active SSE connections
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vlab",
			Subsystem: "sse",
			Name:      "connections_active",
			Help:      "Number of active SSE connections",
		},
	)

	// SSEEventsPublished counts total SSE events published
	SSEEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vlab",
			Subsystem: "sse",
			Name:      "events_published_total",
			Help:      "Total number of SSE events published by type",
		},
		[]string{"event_type"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

// newResponseWriter creates a new responseWriter
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Middleware returns a chi middleware that records HTTP metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		rw := newResponseWriter(w)

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()

		// Label by route pattern, not raw path, to keep cardinality bounded
		path := getRoutePattern(r)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.size))
	})
}

// getRoutePattern returns the route pattern from chi context
// Falls back to URL path if pattern not available
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
