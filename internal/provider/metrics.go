package provider

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	completionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agsh",
		Subsystem: "provider",
		Name:      "completion_duration_seconds",
		Help:      "Latency of provider completion calls, by provider and outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "outcome"})

	completionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agsh",
		Subsystem: "provider",
		Name:      "completions_total",
		Help:      "Count of provider completion calls, by provider and outcome.",
	}, []string{"provider", "outcome"})

	fallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agsh",
		Subsystem: "provider",
		Name:      "fallbacks_total",
		Help:      "Count of requests that fell back from one provider to the next.",
	}, []string{"from", "to"})
)

func init() {
	prometheus.MustRegister(completionLatency, completionsTotal, fallbacksTotal)
}

func observeCompletion(providerName, outcome string, seconds float64) {
	completionLatency.WithLabelValues(providerName, outcome).Observe(seconds)
	completionsTotal.WithLabelValues(providerName, outcome).Inc()
}

func observeFallback(from, to string) {
	fallbacksTotal.WithLabelValues(from, to).Inc()
}
