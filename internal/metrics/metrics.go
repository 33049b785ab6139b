// Package metrics provides Prometheus instrumentation for the settlement core.
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
			Namespace: "bloom",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bloom",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsProcessedTotal counts inbound provider events by outcome.
	// Outcomes: success, duplicate, business_error, retryable_error, rejected.
	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bloom",
			Name:      "events_processed_total",
			Help:      "Total inbound provider events by processing outcome.",
		},
		[]string{"type", "outcome"},
	)

	// SettlementsTotal counts settlement entity transitions by resulting status.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bloom",
			Name:      "settlements_total",
			Help:      "Total settlement entity transitions by resulting status.",
		},
		[]string{"status"},
	)

	// LedgerEntriesTotal counts ledger appends by reason code.
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bloom",
			Name:      "ledger_entries_total",
			Help:      "Total ledger entries appended by reason code.",
		},
		[]string{"reason"},
	)

	// RewardClaimsTotal counts quest reward claims by outcome.
	RewardClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bloom",
			Name:      "reward_claims_total",
			Help:      "Total quest reward claims by outcome.",
		},
		[]string{"outcome"},
	)

	// PendingExpiredTotal counts pending investments expired by the sweeper.
	PendingExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bloom",
		Name:      "pending_expired_total",
		Help:      "Total stale pending investments expired by the reconciliation sweep.",
	})

	// BalanceMismatchTotal counts reconciliation runs that found a projection drift.
	// Any increment here means the atomicity guarantee was broken somewhere.
	BalanceMismatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bloom",
		Name:      "balance_mismatch_total",
		Help:      "Total accounts whose balance projection disagreed with ledger replay.",
	})

	// SubscriptionRenewalsTotal counts subscription billing-cycle renewals.
	SubscriptionRenewalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bloom",
		Name:      "subscription_renewals_total",
		Help:      "Total subscription billing cycles advanced.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bloom",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bloom", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bloom", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bloom", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bloom", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsProcessedTotal,
		SettlementsTotal,
		LedgerEntriesTotal,
		RewardClaimsTotal,
		PendingExpiredTotal,
		BalanceMismatchTotal,
		SubscriptionRenewalsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
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
