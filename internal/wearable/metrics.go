package wearable

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_sync",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Upstream API requests, labeled by path and outcome.",
	}, []string{"path", "outcome"})

	pageCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_sync",
		Subsystem: "upstream",
		Name:      "pages_fetched_total",
		Help:      "Pages fetched per paginated resource.",
	}, []string{"resource"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wearable_sync",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Latency of upstream API requests.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"path"})

	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wearable_sync",
		Subsystem: "upstream",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	}, []string{"name"})
)

func init() {
	prometheus.MustRegister(requestCounter, pageCounter, requestDuration, breakerState)
}

func recordRequest(path, outcome string) {
	requestCounter.WithLabelValues(path, outcome).Inc()
}

func recordPage(resource Resource) {
	pageCounter.WithLabelValues(string(resource)).Inc()
}

func observeLatency(path string, d time.Duration) {
	requestDuration.WithLabelValues(path).Observe(d.Seconds())
}
