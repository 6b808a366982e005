package scoring

import "github.com/prometheus/client_golang/prometheus"

var bureauCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "healthcredit",
	Subsystem: "scoring",
	Name:      "bureau_calls_total",
	Help:      "Credit bureau calls by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(bureauCalls)
}
