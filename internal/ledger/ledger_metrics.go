package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger mutations by operation and outcome.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healthcredit",
			Name:      "ledger_operations_total",
			Help:      "Total ledger mutations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// LedgerOpDuration observes mutation latency, including the lock wait.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "healthcredit",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger mutation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
	)
}

// observeOp starts timing op. The returned function records the outcome.
func observeOp(op string) func(*Receipt, error) {
	start := time.Now()
	return func(r *Receipt, err error) {
		LedgerOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		LedgerOpsTotal.WithLabelValues(op, outcomeLabel(r, err)).Inc()
	}
}

func outcomeLabel(r *Receipt, err error) string {
	switch {
	case err == nil && r != nil && r.Replayed:
		return "replayed"
	case err == nil:
		return "ok"
	case errors.Is(err, ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, ErrInsufficientCredit), errors.Is(err, ErrCardNotActive),
		errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrIdempotencyConflict),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrCardNotFound):
		return "rejected"
	default:
		return "error"
	}
}
