//go:build integration

package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaContainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"example.com/wearablesync/internal/domain"
	"example.com/wearablesync/internal/events"
)

type recordingExecutor struct {
	mu       sync.Mutex
	triggers []domain.SyncTrigger
}

func (e *recordingExecutor) Execute(_ context.Context, trigger domain.SyncTrigger) (domain.SyncRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggers = append(e.triggers, trigger)
	return domain.SyncRun{ID: uuid.NewString(), Trigger: trigger, Status: domain.SyncStatusOK}, nil
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.triggers)
}

func TestKafkaSyncRequestTriggersRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	kafkaC, err := kafkaContainer.RunContainer(ctx, testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	broker := brokers[0]
	topic := "wearable_sync_requests"

	conn, err := kafka.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{broker},
		GroupID:     "wearable-sync-integration",
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	executor := &recordingExecutor{}
	proc := NewProcessor(reader, NewSyncRequestHandler(executor, time.Minute))

	consumerCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = proc.Serve(consumerCtx) }()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()

	fresh, err := json.Marshal(events.SyncRequested{RequestID: "req-1", RequestedBy: "operator", RequestedAt: time.Now().UTC()})
	require.NoError(t, err)
	stale, err := json.Marshal(events.SyncRequested{RequestID: "req-0", RequestedBy: "operator", RequestedAt: time.Now().Add(-time.Hour).UTC()})
	require.NoError(t, err)

	require.NoError(t, writer.WriteMessages(ctx,
		framedRequest(stale),
		kafka.Message{Key: []byte("sync"), Value: []byte("not framed")},
		framedRequest(fresh),
	))

	require.Eventually(t, func() bool { return executor.count() == 1 }, 30*time.Second, 250*time.Millisecond)
	require.Never(t, func() bool { return executor.count() > 1 }, 2*time.Second, 250*time.Millisecond)
	require.Equal(t, domain.SyncTriggerRequest, executor.triggers[0])
}

func framedRequest(payload []byte) kafka.Message {
	value := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(value[1:5], 7)
	copy(value[5:], payload)
	return kafka.Message{
		Key:   []byte("sync"),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(events.TypeSyncRequested)},
			{Key: "schema_subject", Value: []byte("wearable_sync_requests-value")},
		},
	}
}
