//go:build integration

package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaContainer "github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.uber.org/zap/zaptest"

	"example.com/trainingload/internal/domain"
	"example.com/trainingload/internal/events"
	"example.com/trainingload/internal/outbox"
	"example.com/trainingload/internal/persistence/memory"
	"example.com/trainingload/internal/training"
)

func TestKafkaActivityRecordedRefreshesRunner(t *testing.T) {
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

	const topic = "activity_recorded"
	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))

	now := time.Now().UTC()
	repo := memory.NewRepository()
	svc := training.NewService(repo, repo, training.WithClock(func() time.Time { return now }))
	logger := zaptest.NewLogger(t).Sugar()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     "training-integration",
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	consumerCtx, stop := context.WithCancel(ctx)
	defer stop()
	proc := NewProcessor(reader, NewRefreshHandler(svc, logger), WithLogger(logger))
	go func() { _ = proc.Run(consumerCtx) }()

	producer := outbox.NewKafkaProducer(brokers)
	defer producer.Close()

	key := domain.RunnerKey{TenantID: "tenant", RunnerID: "runner"}
	payload, err := json.Marshal(events.ActivityRecorded{
		ActivityID:    "act-int",
		TenantID:      key.TenantID,
		RunnerID:      key.RunnerID,
		DistanceM:     10000,
		StartedAt:     now.Add(-time.Hour),
		MovingSeconds: 3000,
		Source:        "integration-test",
	})
	require.NoError(t, err)
	value := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(value[1:5], 1)
	copy(value[5:], payload)

	require.NoError(t, producer.WriteMessages(ctx, topic, kafka.Message{
		Key:   []byte(key.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventTypeActivityRecorded)},
			{Key: "tenant_id", Value: []byte(key.TenantID)},
		},
	}))

	require.Eventually(t, func() bool {
		snap, err := repo.LoadSnapshot(ctx, key)
		return err == nil && snap.Plan != nil && snap.Cache != nil
	}, 60*time.Second, 500*time.Millisecond)

	history, err := repo.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "act-int", history[0].ID)
}
