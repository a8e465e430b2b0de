// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iqmind",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "iqmind",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SignalsDetected counts risk signals by evaluation source.
	SignalsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iqmind",
			Name:      "risk_signals_total",
			Help:      "Total risk signals detected by evaluation source.",
		},
		[]string{"source"},
	)

	// ActionsExecuted counts executed preventive actions by kind.
	ActionsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iqmind",
			Name:      "preventive_actions_total",
			Help:      "Total preventive actions executed by kind.",
		},
		[]string{"kind"},
	)

	// ActionsFailed counts preventive actions that errored during execution.
	ActionsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iqmind",
			Name:      "preventive_action_failures_total",
			Help:      "Total preventive action execution failures by kind.",
		},
		[]string{"kind"},
	)

	// WebhookEventsTotal counts inbound processor webhook events by type.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iqmind",
			Name:      "webhook_events_total",
			Help:      "Total inbound processor webhook events by type.",
		},
		[]string{"type"},
	)

	// DisputeRatio tracks the latest computed dispute ratio (percent).
	DisputeRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "iqmind",
			Name:      "dispute_ratio_percent",
			Help:      "Latest dispute ratio over the trailing window, in percent.",
		},
	)

	// OpenDisputes tracks the number of currently open disputes.
	OpenDisputes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "iqmind",
			Name:      "open_disputes",
			Help:      "Number of currently open disputes.",
		},
	)

	// RefundsToday tracks auto-refunds executed in the current UTC day.
	RefundsToday = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "iqmind",
			Name:      "auto_refunds_today",
			Help:      "Auto-refunds executed so far in the current UTC day.",
		},
	)

	// ActiveWebSocketClients tracks connected operator feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "iqmind",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "iqmind", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "iqmind", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "iqmind", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "iqmind", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "iqmind", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "iqmind", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SignalsDetected,
		ActionsExecuted,
		ActionsFailed,
		WebhookEventsTotal,
		DisputeRatio,
		OpenDisputes,
		RefundsToday,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
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
