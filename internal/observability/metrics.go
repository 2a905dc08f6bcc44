package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_sync",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Sync attempts, labeled by outcome (ok, unauthorized, auth, transient, upstream, fatal).",
	}, []string{"outcome"})
	syncRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wearable_sync",
		Subsystem: "sync",
		Name:      "run_duration_seconds",
		Help:      "Duration of a single sync attempt.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})
	daysUpsertedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wearable_sync",
		Subsystem: "sync",
		Name:      "days_upserted_total",
		Help:      "Daily records written by committed sync runs.",
	})
	daysMissingCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wearable_sync",
		Subsystem: "sync",
		Name:      "days_missing_total",
		Help:      "Daily records flagged missing by committed sync runs.",
	})
	syncRetryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_sync",
		Subsystem: "sync",
		Name:      "retries_scheduled_total",
		Help:      "Retries scheduled after a failed attempt, labeled by error class.",
	}, []string{"class"})
	syncFatalCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_sync",
		Name:      "sync_fatal_total",
		Help:      "Sync runs that exhausted their retry budget, labeled by error class.",
	}, []string{"class"})
	syncSuccessGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wearable_sync",
		Subsystem: "sync",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the most recent committed sync run.",
	})
)

func init() {
	prometheus.MustRegister(
		syncRunCounter,
		syncRunDuration,
		daysUpsertedCounter,
		daysMissingCounter,
		syncRetryCounter,
		syncFatalCounter,
		syncSuccessGauge,
	)
}

// RecordSyncAttempt counts one attempt and its latency.
func RecordSyncAttempt(outcome string, d time.Duration) {
	syncRunCounter.WithLabelValues(outcome).Inc()
	syncRunDuration.Observe(d.Seconds())
}

// RecordDaysUpserted adds a committed run's day counts.
func RecordDaysUpserted(days, missing int) {
	daysUpsertedCounter.Add(float64(days))
	daysMissingCounter.Add(float64(missing))
}

// RecordSyncRetry counts a scheduled retry.
func RecordSyncRetry(class string) {
	syncRetryCounter.WithLabelValues(class).Inc()
}

// RecordSyncFatal counts a run whose retry budget is exhausted.
func RecordSyncFatal(class string) {
	syncFatalCounter.WithLabelValues(class).Inc()
}

// RecordSyncSucceeded updates the success watermark gauge.
func RecordSyncSucceeded(ts time.Time) {
	if ts.IsZero() {
		return
	}
	syncSuccessGauge.Set(float64(ts.Unix()))
}
