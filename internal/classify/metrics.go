package classify

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	classificationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agsh",
		Subsystem: "classify",
		Name:      "duration_seconds",
		Help:      "Latency of a classification call, by method and resulting type.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "type"})

	classificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agsh",
		Subsystem: "classify",
		Name:      "total",
		Help:      "Count of classification calls, by method and resulting type.",
	}, []string{"method", "type"})

	classificationConfidence = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agsh",
		Subsystem: "classify",
		Name:      "confidence",
		Help:      "Reported confidence of classification results, by method.",
		Buckets:   []float64{0.1, 0.3, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 0.98, 1},
	}, []string{"method"})
)

func init() {
	prometheus.MustRegister(classificationLatency, classificationsTotal, classificationConfidence)
}

func observeClassification(method, resultType string, seconds, confidence float64) {
	classificationLatency.WithLabelValues(method, resultType).Observe(seconds)
	classificationsTotal.WithLabelValues(method, resultType).Inc()
	classificationConfidence.WithLabelValues(method).Observe(confidence)
}
