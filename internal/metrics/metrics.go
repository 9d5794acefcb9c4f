// Package metrics provides Prometheus instrumentation for the marketplace.
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
			Namespace: "agentbazaar",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentbazaar",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrdersPlacedTotal counts placement requests by result
	// (placed, awaiting_deposit, failed).
	OrdersPlacedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentbazaar",
			Name:      "orders_placed_total",
			Help:      "Total order placements by result.",
		},
		[]string{"result"},
	)

	// OrderTransitionsTotal counts applied lifecycle transitions by action.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentbazaar",
			Name:      "order_transitions_total",
			Help:      "Total order lifecycle transitions applied, by action.",
		},
		[]string{"action"},
	)

	// OrderConflictsTotal counts CAS conflicts surfaced to callers.
	OrderConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentbazaar",
			Name:      "order_conflicts_total",
			Help:      "Total concurrent-modification conflicts returned to callers.",
		},
	)

	// SettlementSubmissionsTotal counts submission attempts by kind and
	// result (submitted, recovered, failed).
	SettlementSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentbazaar",
			Name:      "settlement_submissions_total",
			Help:      "Total settlement submission attempts by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// SettlementOutcomesTotal counts settlement resolutions by kind and
	// outcome (confirmed, reverted, timeout, escalated, abandoned).
	SettlementOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentbazaar",
			Name:      "settlement_outcomes_total",
			Help:      "Total settlement outcomes by kind.",
		},
		[]string{"kind", "outcome"},
	)

	// SettlementConfirmationSeconds observes submit-to-confirm latency.
	SettlementConfirmationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentbazaar",
			Name:      "settlement_confirmation_seconds",
			Help:      "Time from submission to confirmation in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		},
		[]string{"kind"},
	)

	// SettlementFailedOrders tracks orders in SETTLEMENT_FAILED awaiting an
	// operator.
	SettlementFailedOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentbazaar",
			Name:      "settlement_failed_orders",
			Help:      "Number of orders whose settlement exhausted its retries.",
		},
	)

	// ReviewsTotal counts review records by outcome.
	ReviewsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentbazaar",
			Name:      "reviews_total",
			Help:      "Total review records by outcome.",
		},
		[]string{"outcome"},
	)

	// EventsPublishedTotal counts order events by sink and result.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentbazaar",
			Name:      "events_published_total",
			Help:      "Total order events published by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentbazaar",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentbazaar", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentbazaar", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentbazaar", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentbazaar", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentbazaar", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentbazaar", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrdersPlacedTotal,
		OrderTransitionsTotal,
		OrderConflictsTotal,
		SettlementSubmissionsTotal,
		SettlementOutcomesTotal,
		SettlementConfirmationSeconds,
		SettlementFailedOrders,
		ReviewsTotal,
		EventsPublishedTotal,
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
		start := time.Now()
		c.Next()

		// Route patterns keep order IDs out of the label set.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
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
