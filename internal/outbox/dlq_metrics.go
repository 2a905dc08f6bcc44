package outbox

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dlqEntriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_sync",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "DLQ entries handled, by outcome (requeued, retry_scheduled, quarantined).",
	}, []string{"topic", "event_type", "outcome"})

	dlqBacklogGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wearable_sync",
		Subsystem: "dlq",
		Name:      "entries",
		Help:      "DLQ rows by state: pending awaits replay, quarantined needs an operator.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(dlqEntriesCounter, dlqBacklogGauge)
}

func recordDLQOutcome(entry dlqEntry, outcome string) {
	dlqEntriesCounter.WithLabelValues(entry.Topic, entry.EventType, outcome).Inc()
}

// refreshBacklog publishes the pending and quarantined row counts.
func (m *DLQManager) refreshBacklog(ctx context.Context) {
	var pending, quarantined int
	err := m.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE quarantined_at IS NULL),
                COUNT(*) FILTER (WHERE quarantined_at IS NOT NULL)
           FROM outbox_dlq`,
	).Scan(&pending, &quarantined)
	if err != nil {
		m.logger.Warn().Err(err).Msg("refresh dlq backlog")
		return
	}
	dlqBacklogGauge.WithLabelValues("pending").Set(float64(pending))
	dlqBacklogGauge.WithLabelValues("quarantined").Set(float64(quarantined))
}
