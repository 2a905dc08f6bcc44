package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultRetryBaseDelay is the first replay delay after a failed replay.
const DefaultRetryBaseDelay = time.Minute

// DLQWriter persists undeliverable events for replay.
type DLQWriter struct {
	pool      *pgxpool.Pool
	baseDelay time.Duration
}

// NewDLQWriter initialises a writer backed by pool. baseDelay spaces out
// entries whose replay already failed; zero uses DefaultRetryBaseDelay.
func NewDLQWriter(pool *pgxpool.Pool, baseDelay time.Duration) *DLQWriter {
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	return &DLQWriter{pool: pool, baseDelay: baseDelay}
}

// Write records msg in the DLQ with reason. A first failure is due at once; a
// replayed event keeps its retry count and waits out the backoff for it.
func (w *DLQWriter) Write(ctx context.Context, msg Message, reason string) error {
	var delay time.Duration
	if msg.DLQRetries > 0 {
		delay = retryDelay(w.baseDelay, msg.DLQRetries)
	}
	_, err := w.pool.Exec(ctx,
		`INSERT INTO outbox_dlq (event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count, next_retry_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW() + $11::interval)`,
		msg.EventID, msg.EventType, msg.Topic, msg.Payload, reason, msg.AggregateType, msg.AggregateID, msg.SchemaSubject, msg.PartitionKey,
		msg.DLQRetries, delay,
	)
	return err
}

// retryDelay doubles base per attempt, capped at one hour.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 12 {
		return time.Hour
	}
	delay := time.Duration(1<<uint(attempt-1)) * base
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}
