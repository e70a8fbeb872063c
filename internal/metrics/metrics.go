// Package metrics provides Prometheus instrumentation for the escrow coordinator.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransitionsTotal counts observed escrow state transitions by resulting state.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "transitions_total",
			Help:      "Escrow state transitions observed on-chain, by resulting state.",
		},
		[]string{"state"},
	)

	// TransactionsTotal counts submitted contract transactions by operation and result.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "transactions_total",
			Help:      "Contract transactions submitted, by operation and result.",
		},
		[]string{"op", "result"},
	)

	// ConvergenceAttempts observes how many read polls were needed after a
	// confirmed transaction before the expected state appeared.
	ConvergenceAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Name:      "convergence_attempts",
		Help:      "Read polls needed to observe the expected post-transaction state.",
		Buckets:   []float64{1, 2, 3, 4, 6, 8, 10, 12, 15},
	})

	// ConvergenceTimeouts counts polls that exhausted the attempt budget.
	ConvergenceTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "convergence_timeouts_total",
		Help:      "Convergence polls that exhausted the attempt budget.",
	})

	// WatcherLastBlock tracks the last block processed by the event watcher.
	WatcherLastBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Name:      "watcher_last_block",
		Help:      "Last block number processed by the contract event watcher.",
	})

	// WatcherEventsTotal counts contract events processed by name.
	WatcherEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "watcher_events_total",
			Help:      "Contract events processed by the watcher, by event name.",
		},
		[]string{"event"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrowd",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// BusyRejections counts mutating calls rejected by the per-escrow busy guard.
	BusyRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "busy_rejections_total",
		Help:      "Mutating calls rejected because another was in flight for the escrow.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransitionsTotal,
		TransactionsTotal,
		ConvergenceAttempts,
		ConvergenceTimeouts,
		WatcherLastBlock,
		WatcherEventsTotal,
		ActiveWebSocketClients,
		BusyRejections,
	)
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
