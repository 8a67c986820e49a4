package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "agsh",
	Subsystem: "queue",
	Name:      "depth",
	Help:      "Current queued message count, by queue name and priority band.",
}, []string{"queue", "band"})

func init() {
	prometheus.MustRegister(queueDepth)
}

func observeQueueDepth(name, band string, depth int) {
	queueDepth.WithLabelValues(name, band).Set(float64(depth))
}
