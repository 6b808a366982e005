package inbox

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/carepay/healthcredit/internal/metrics"
)

var (
	processed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "inbox",
		Name:      "messages_total",
		Help:      "Inbox messages by kind and outcome.",
	}, []string{"kind", "outcome"})

	retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "inbox",
		Name:      "retries_total",
		Help:      "Handler retries after transient failures.",
	}, []string{"kind"})

	queued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "inbox",
		Name:      "queued",
		Help:      "Messages waiting in a lane.",
	})

	lag = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "inbox",
		Name:      "lag_seconds",
		Help:      "Time from acceptance to successful handling.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(processed, retries, queued, lag)
}
