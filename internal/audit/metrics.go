package audit

import "github.com/prometheus/client_golang/prometheus"

var (
	auditShortfalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swapsale",
		Subsystem: "audit",
		Name:      "deposit_shortfalls",
		Help:      "Number of buyers whose deposit subaccount held less than recorded in the last audit.",
	})

	auditStuckLegs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swapsale",
		Subsystem: "audit",
		Name:      "stuck_legs",
		Help:      "Number of settlement legs in flight longer than the stuck threshold in the last audit.",
	})

	auditPendingRegistrations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swapsale",
		Subsystem: "audit",
		Name:      "pending_registrations",
		Help:      "Number of delivered allocations not yet registered with governance in the last audit.",
	})

	auditSaleTokenEscrowMatch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swapsale",
		Subsystem: "audit",
		Name:      "sale_token_escrow_match",
		Help:      "1 if the sale-token escrow covered the recorded supply in the last audit, 0 otherwise.",
	})

	auditDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "swapsale",
		Subsystem: "audit",
		Name:      "run_duration_seconds",
		Help:      "Duration of audit runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	auditErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "swapsale",
		Subsystem: "audit",
		Name:      "errors_total",
		Help:      "Total audit runs that failed to complete.",
	})
)

func init() {
	prometheus.MustRegister(
		auditShortfalls,
		auditStuckLegs,
		auditPendingRegistrations,
		auditSaleTokenEscrowMatch,
		auditDuration,
		auditErrors,
	)
}
