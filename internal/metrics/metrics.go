// Package metrics provides Prometheus instrumentation for the sale service.
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

const namespace = "swapsale"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Sale metrics ---

	// SaleLifecycle is 1 for the sale's current lifecycle and 0 otherwise.
	SaleLifecycle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sale_lifecycle",
		Help:      "Current sale lifecycle (1 for the active state).",
	}, []string{"lifecycle"})

	SaleTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sale_transitions_total",
		Help:      "Lifecycle transitions by target state.",
	}, []string{"to"})

	SaleTotalBaseE8s = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sale_total_base_e8s",
		Help:      "Admitted base-token deposits in e8s.",
	})

	SaleTokenE8s = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sale_token_escrow_e8s",
		Help:      "Escrowed sale-token supply in e8s.",
	})

	SaleBuyers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sale_buyers",
		Help:      "Number of participants with a buyer record.",
	})

	// BuyerRefreshesTotal counts buyer reconciliations by outcome.
	BuyerRefreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "buyer_refreshes_total",
		Help:      "Buyer deposit reconciliations by outcome.",
	}, []string{"outcome"})

	// SweepLegsTotal counts settlement leg outcomes across finalize passes.
	SweepLegsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_legs_total",
		Help:      "Finalization leg outcomes by leg and outcome.",
	}, []string{"leg", "outcome"})

	// SweepUnknownOutcomes counts sweep calls that timed out with an
	// unknown outcome, leaving their leg in flight.
	SweepUnknownOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_unknown_outcomes_total",
		Help:      "Sweep collaborator calls that timed out, by disbursing flag left set.",
	}, []string{"leg"})

	// SweepDuration observes the wall time of one finalize pass.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of a finalize pass in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	// CollaboratorCallDuration observes ledger and governance call latency.
	CollaboratorCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "collaborator_call_duration_seconds",
		Help:      "Latency of ledger and governance calls by collaborator, operation and result.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"collaborator", "operation", "result"})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SaleLifecycle,
		SaleTransitionsTotal,
		SaleTotalBaseE8s,
		SaleTokenE8s,
		SaleBuyers,
		BuyerRefreshesTotal,
		SweepLegsTotal,
		SweepUnknownOutcomes,
		SweepDuration,
		CollaboratorCallDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// SetLifecycle marks lifecycle as the active state in SaleLifecycle.
func SetLifecycle(current string, all []string) {
	for _, l := range all {
		v := 0.0
		if l == current {
			v = 1
		}
		SaleLifecycle.WithLabelValues(l).Set(v)
	}
}

// ObserveCall records one collaborator call started at start.
func ObserveCall(collaborator, operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	CollaboratorCallDuration.WithLabelValues(collaborator, operation, result).Observe(time.Since(start).Seconds())
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
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
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
