package tokenstore

import "github.com/prometheus/client_golang/prometheus"

var refreshCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wearable_sync",
	Subsystem: "token",
	Name:      "refreshes_total",
	Help:      "Number of OAuth token refreshes, labeled by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(refreshCounter)
}

func recordRefresh(result string) {
	refreshCounter.WithLabelValues(result).Inc()
}
