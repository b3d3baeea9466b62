//go:build integration

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/trainingload/internal/events"
)

const (
	plansTopic     = "training_plans"
	overridesTopic = "risk_overrides"
)

func TestDispatcherPublishesMessages(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	tenantID := uuid.NewString()
	require.NotZero(t, seedOutbox(t, ctx, pool, tenantID, "runner-1", events.TypePlanGenerated, plansTopic))

	producer := &stubProducer{}
	registry := &stubRegistry{id: 42}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	beforeDelivered := testutil.ToFloat64(deliveredCounter)
	beforeHistogram := histogramSampleCount(t)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	write := producer.writes[0]
	require.Equal(t, plansTopic, write.topic)
	require.Len(t, write.messages, 1)
	require.Equal(t, tenantID+":runner-1", string(write.messages[0].Key))
	require.Contains(t, write.messages[0].Headers, kafka.Header{Key: "event_type", Value: []byte(events.TypePlanGenerated)})

	require.InDelta(t, beforeDelivered+1, testutil.ToFloat64(deliveredCounter), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)
	require.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`))

	require.NoError(t, dispatcher.processBatch(ctx))
	require.Len(t, producer.writes, 1, "published rows are not claimed again")
}

func TestDispatcherIsolatesFailingTopic(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	tenantID := uuid.NewString()
	require.NotZero(t, seedOutbox(t, ctx, pool, tenantID, "runner-1", events.TypePlanGenerated, plansTopic))
	require.NotZero(t, seedOutbox(t, ctx, pool, tenantID, "runner-1", events.TypeOverrideChanged, overridesTopic))

	producer := &stubProducer{failTopics: map[string]error{overridesTopic: errors.New("kafka write failed")}}
	dispatcher := NewDispatcher(pool, producer, &stubRegistry{id: 7}, 10*time.Millisecond, 5)

	beforeFailed := testutil.ToFloat64(failedCounter)
	beforeDLQ := testutil.ToFloat64(dlqCounter.WithLabelValues(overridesTopic))

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Equal(t, plansTopic, producer.writes[0].topic)
	require.InDelta(t, beforeFailed+1, testutil.ToFloat64(failedCounter), 0.0001)
	require.InDelta(t, beforeDLQ+1, testutil.ToFloat64(dlqCounter.WithLabelValues(overridesTopic)), 0.0001)

	require.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox_dlq WHERE topic = 'risk_overrides'`))
	require.Equal(t, 2, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`))
}

func TestDispatcherCachesSchemaIDsAcrossBatch(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	tenantID := uuid.NewString()
	require.NotZero(t, seedOutbox(t, ctx, pool, tenantID, "runner-1", events.TypePlanGenerated, plansTopic))
	require.NotZero(t, seedOutbox(t, ctx, pool, tenantID, "runner-2", events.TypePlanGenerated, plansTopic))

	producer := &stubProducer{}
	registry := &stubRegistry{id: 21}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Len(t, producer.writes[0].messages, 2)
	require.Len(t, registry.calls, 1, "schema registry should be invoked once due to cache")
}

func TestDispatcherUnknownSchemaMovesEventsToDLQ(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	eventID := seedOutbox(t, ctx, pool, uuid.NewString(), "runner-1", "plan.unknown", plansTopic)
	require.NotZero(t, eventID)

	producer := &stubProducer{}
	registry := &stubRegistry{id: 99}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Empty(t, producer.writes, "unknown schema should skip kafka writes")
	require.Empty(t, registry.calls, "schema registry should not be invoked when metadata missing")

	var reason string
	require.NoError(t, pool.QueryRow(ctx, `SELECT reason FROM outbox_dlq WHERE event_id = $1`, eventID).Scan(&reason))
	require.Contains(t, reason, "no schema metadata for event_type=plan.unknown")
}

func TestDLQManagerRequeuesAndQuarantines(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	tenantID := uuid.NewString()
	require.NotZero(t, seedOutbox(t, ctx, pool, tenantID, "runner-1", events.TypePlanGenerated, plansTopic))

	failing := NewDispatcher(pool, &stubProducer{failTopics: map[string]error{plansTopic: errors.New("broker down")}}, &stubRegistry{id: 3}, 10*time.Millisecond, 5)
	require.NoError(t, failing.processBatch(ctx))
	require.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox_dlq`))

	requeued := dlqReplayCounter.WithLabelValues(events.TypePlanGenerated, dlqOutcomeRequeued)
	quarantined := dlqReplayCounter.WithLabelValues(events.TypePlanGenerated, dlqOutcomeQuarantined)
	beforeRequeued := testutil.ToFloat64(requeued)
	beforeQuarantined := testutil.ToFloat64(quarantined)

	manager := NewDLQManager(pool, 1, time.Second, nil)
	handled, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, handled)
	require.Zero(t, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox_dlq`))
	require.InDelta(t, beforeRequeued+1, testutil.ToFloat64(requeued), 0.0001)

	producer := &stubProducer{}
	healthy := NewDispatcher(pool, producer, &stubRegistry{id: 3}, 10*time.Millisecond, 5)
	require.NoError(t, healthy.processBatch(ctx))
	require.Len(t, producer.writes, 1)

	_, err = pool.Exec(ctx, `INSERT INTO outbox_dlq (tenant_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count)
        VALUES ($1, 0, $2, $3, '{}', 'exhausted', 'runner', 'runner-1', 'training_plans-value', 'k', 1)`, tenantID, events.TypePlanGenerated, plansTopic)
	require.NoError(t, err)

	handled, err = manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, handled)
	require.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NOT NULL`))
	require.InDelta(t, beforeQuarantined+1, testutil.ToFloat64(quarantined), 0.0001)

	require.NoError(t, refreshDLQGauge(ctx, pool))
	require.InDelta(t, 1, testutil.ToFloat64(dlqEntriesGauge.WithLabelValues(events.TypePlanGenerated, dlqOutcomeQuarantined)), 0.0001)
}

type stubProducer struct {
	mu         sync.Mutex
	failTopics map[string]error
	writes     []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failTopics[topic]; err != nil {
		return err
	}
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: append([]kafka.Message(nil), msgs...)})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	calls []string
}

func (s *stubRegistry) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, subject)
	return s.id, nil
}

func setupPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("training"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func countRows(t *testing.T, ctx context.Context, pool *pgxpool.Pool, query string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(ctx, query).Scan(&n))
	return n
}

func seedOutbox(t *testing.T, ctx context.Context, pool *pgxpool.Pool, tenantID, runnerID, eventType, topic string) int64 {
	t.Helper()

	payload, err := json.Marshal(map[string]any{"tenant_id": tenantID, "runner_id": runnerID})
	require.NoError(t, err)

	var eventID int64
	err = pool.QueryRow(ctx,
		`INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,'runner',$2,$3,$4,$5,$6,$7)
         RETURNING event_id`,
		tenantID, runnerID, eventType, topic, topic+"-value", tenantID+":"+runnerID, payload,
	).Scan(&eventID)
	require.NoError(t, err)
	return eventID
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	t.Helper()

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	files, err := filepath.Glob(filepath.Join(resolvePath(t, "../../db/postgres/migrations"), "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "expected at least one migration .up.sql file")
	sort.Strings(files)

	for _, file := range files {
		contents, readErr := os.ReadFile(file)
		require.NoErrorf(t, readErr, "read migration %s", file)
		_, execErr := pool.Exec(ctx, string(contents))
		require.NoErrorf(t, execErr, "execute migration %s", file)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
