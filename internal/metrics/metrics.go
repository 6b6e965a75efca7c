// Package metrics provides Prometheus instrumentation for the escrow engine.
package metrics

import (
	"database/sql"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alancoin",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "alancoin",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveWebSocketClients tracks connected feed WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "alancoin",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// --- Escrow state machine ---

	// EscrowTransitionsTotal counts ledger state transitions by target state.
	EscrowTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alancoin",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Ledger state transitions by target state.",
	}, []string{"to"})

	// EscrowRejectedTotal counts state machine operations rejected by kind.
	EscrowRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alancoin",
		Subsystem: "escrow",
		Name:      "rejected_total",
		Help:      "State machine operations rejected, by operation and error kind.",
	}, []string{"op", "kind"})

	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "alancoin",
		Subsystem: "escrow",
		Name:      "duration_seconds",
		Help:      "Time from funding to a terminal state in seconds.",
		Buckets:   []float64{60, 600, 3600, 6 * 3600, 24 * 3600, 3 * 86400, 7 * 86400},
	})

	// --- Chain ---

	ChainCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alancoin",
		Subsystem: "chain",
		Name:      "calls_total",
		Help:      "Chain reads and submissions by method and outcome.",
	}, []string{"method", "outcome"})

	ChainCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "alancoin",
		Subsystem: "chain",
		Name:      "call_duration_seconds",
		Help:      "Chain call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60},
	}, []string{"method"})

	RetryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alancoin",
		Subsystem: "chain",
		Name:      "retry_attempts_total",
		Help:      "Attempts made by the retry executor, by operation and error kind (ok on success).",
	}, []string{"op", "kind"})

	RetryExhaustedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alancoin",
		Subsystem: "chain",
		Name:      "retry_exhausted_total",
		Help:      "Operations that failed after every retry attempt.",
	}, []string{"op"})

	// --- Oracle ---

	OracleRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alancoin",
		Subsystem: "oracle",
		Name:      "runs_total",
		Help:      "Oracle runs by type and outcome.",
	}, []string{"type", "outcome"})

	OracleItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alancoin",
		Subsystem: "oracle",
		Name:      "items_total",
		Help:      "Transactions handled by oracle runs, by type and result.",
	}, []string{"type", "result"})

	OracleGasBalanceWei = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "alancoin",
		Subsystem: "oracle",
		Name:      "gas_balance_wei",
		Help:      "Last observed native balance of the oracle wallet.",
	})

	// --- Jobs ---

	JobRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alancoin",
		Subsystem: "jobs",
		Name:      "runs_total",
		Help:      "Recurring job executions by job name and result.",
	}, []string{"job", "result"})

	JobStaleLocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "alancoin",
		Subsystem: "jobs",
		Name:      "stale_locks_reclaimed_total",
		Help:      "Processing locks reclaimed after exceeding the staleness threshold.",
	})

	// --- Side channels ---

	FeedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alancoin",
		Name:      "feed_events_total",
		Help:      "Activity feed events appended, by type.",
	}, []string{"type"})

	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alancoin",
		Name:      "alerts_total",
		Help:      "Operational alerts raised, by severity.",
	}, []string{"severity"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveWebSocketClients,
		EscrowTransitionsTotal,
		EscrowRejectedTotal,
		EscrowDuration,
		ChainCallsTotal,
		ChainCallDuration,
		RetryAttemptsTotal,
		RetryExhaustedTotal,
		OracleRunsTotal,
		OracleItemsTotal,
		OracleGasBalanceWei,
		JobRunsTotal,
		JobStaleLocksTotal,
		FeedEventsTotal,
		AlertsTotal,
	)
}

// RegisterDB exports sql.DBStats for the escrow pool. Registering the same
// pool twice is a no-op.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, "escrow"))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// CounterValue reads the current value of one series of vec. Returns 0 for
// label sets that were never observed.
func CounterValue(vec *prometheus.CounterVec, labels ...string) float64 {
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
