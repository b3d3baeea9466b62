package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	defaultDLQRetries   = 5
	defaultDLQBaseDelay = time.Minute
	maxDLQDelay         = time.Hour
)

// DLQManager re-queues dead-lettered events into the outbox with exponential backoff and
// quarantines entries that exhaust their retries.
type DLQManager struct {
	pool       *pgxpool.Pool
	logger     *zap.SugaredLogger
	maxRetries int
	baseDelay  time.Duration
}

// NewDLQManager constructs a DLQManager. Non-positive settings fall back to defaults.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, logger *zap.SugaredLogger) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = defaultDLQRetries
	}
	if baseDelay <= 0 {
		baseDelay = defaultDLQBaseDelay
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DLQManager{pool: pool, logger: logger, maxRetries: maxRetries, baseDelay: baseDelay}
}

// Start replays due entries every interval until ctx is cancelled.
func (m *DLQManager) Start(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		processed, err := m.RunOnce(ctx, batchSize)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			m.logger.Errorw("dlq replay failed", "processed", processed, "error", err)
		case processed > 0:
			m.logger.Infow("dlq entries handled", "processed", processed)
		}
		if err := refreshDLQGauge(ctx, m.pool); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warnw("dlq gauge refresh failed", "error", err)
		}
	}
}

// RunOnce handles up to batchSize due entries and returns how many were re-queued or quarantined.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	const query = `SELECT dlq_id, tenant_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
        FROM outbox_dlq
        WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
        ORDER BY created_at
        LIMIT $1`

	rows, err := m.pool.Query(ctx, query, batchSize)
	if err != nil {
		return 0, err
	}
	entries, err := pgx.CollectRows(rows, scanDLQEntry)
	if err != nil {
		return 0, err
	}

	processed := 0
	var errs error
	for _, entry := range entries {
		if err := m.handle(ctx, entry); err != nil {
			errs = errors.Join(errs, fmt.Errorf("dlq entry %d: %w", entry.ID, err))
			continue
		}
		processed++
	}
	return processed, errs
}

func (m *DLQManager) handle(ctx context.Context, entry dlqEntry) error {
	return pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", entry.TenantID); err != nil {
			return err
		}
		// Another replica may already hold or have handled the entry.
		var locked int64
		err := tx.QueryRow(ctx, `SELECT dlq_id FROM outbox_dlq WHERE dlq_id = $1 AND quarantined_at IS NULL FOR UPDATE SKIP LOCKED`, entry.ID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if entry.RetryCount >= m.maxRetries {
			_, err := tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`, "retry limit reached", entry.ID)
			if err == nil {
				recordDLQOutcome(entry, dlqOutcomeQuarantined)
			}
			return err
		}

		// A savepoint keeps the transaction usable for the retry bookkeeping when the insert fails.
		if err := pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error { return requeue(ctx, sp, entry) }); err != nil {
			delay := m.backoff(entry.RetryCount + 1)
			_, updateErr := tx.Exec(ctx,
				`UPDATE outbox_dlq
                    SET retry_count = retry_count + 1,
                        last_attempt_at = NOW(),
                        next_retry_at = NOW() + make_interval(secs => $1),
                        reason = $2
                  WHERE dlq_id = $3`,
				delay.Seconds(), err.Error(), entry.ID,
			)
			if updateErr == nil {
				recordDLQOutcome(entry, dlqOutcomeRetry)
			}
			return updateErr
		}

		if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
			return err
		}
		recordDLQOutcome(entry, dlqOutcomeRequeued)
		return nil
	})
}

// backoff doubles the base delay per attempt, capped at maxDLQDelay.
func (m *DLQManager) backoff(attempt int) time.Duration {
	delay := m.baseDelay << uint(attempt-1)
	if delay <= 0 || delay > maxDLQDelay {
		return maxDLQDelay
	}
	return delay
}

// requeue inserts the payload into the outbox again for the dispatcher to publish.
func requeue(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}
	if _, ok := schemaCatalog[entry.EventType]; !ok {
		return fmt.Errorf("no schema metadata for event_type=%s", entry.EventType)
	}

	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := tx.Exec(ctx, stmt,
		entry.TenantID,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.SchemaSubject,
		entry.PartitionKey,
		entry.Payload,
	)
	return err
}

// dlqEntry is an outbox_dlq row selected for replay.
type dlqEntry struct {
	ID            int64
	TenantID      string
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

func scanDLQEntry(row pgx.CollectableRow) (dlqEntry, error) {
	var e dlqEntry
	err := row.Scan(&e.ID, &e.TenantID, &e.EventID, &e.EventType, &e.Topic, &e.Payload, &e.Reason, &e.AggregateType, &e.AggregateID, &e.SchemaSubject, &e.PartitionKey, &e.RetryCount)
	return e, err
}
