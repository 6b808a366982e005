package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/carepay/healthcredit/internal/metrics"
)

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "ledger_audit",
		Name:      "mismatched_cards",
		Help:      "Cards whose stored balance disagreed with their history in the last pass.",
	})

	reconcileCards = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "ledger_audit",
		Name:      "cards",
		Help:      "Cards examined in the last pass.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "ledger_audit",
		Name:      "run_duration_seconds",
		Help:      "Duration of full audit passes.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "ledger_audit",
		Name:      "errors_total",
		Help:      "Cards that could not be audited, plus failed passes.",
	})
)

func init() {
	prometheus.MustRegister(reconcileLedgerMismatches, reconcileCards, reconcileDuration, reconcileErrors)
}
