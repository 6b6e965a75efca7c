package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileFindings = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alancoin",
		Subsystem: "reconciliation",
		Name:      "findings",
		Help:      "Ledger/chain disagreements found in the last reconciliation run, by kind.",
	}, []string{"kind"})

	reconcileChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "alancoin",
		Subsystem: "reconciliation",
		Name:      "checked_transactions",
		Help:      "Transactions compared against the chain in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "alancoin",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "alancoin",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation chain read errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileFindings,
		reconcileChecked,
		reconcileDuration,
		reconcileErrors,
	)
}
