package callbacks

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/carepay/healthcredit/internal/metrics"
)

var (
	received = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "callbacks",
		Name:      "received_total",
		Help:      "Provider callbacks by source and intake outcome.",
	}, []string{"source", "outcome"})

	payments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "callbacks",
		Name:      "payments_total",
		Help:      "Processed payment callbacks by provider status and result.",
	}, []string{"status", "result"})
)

func init() {
	prometheus.MustRegister(received, payments)
}
