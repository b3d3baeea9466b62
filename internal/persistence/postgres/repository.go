// Package postgres persists activities, derived runner state and outbox events in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/trainingload/internal/domain"
	"example.com/trainingload/internal/events"
)

// Repository implements domain.ActivityRepository and domain.SnapshotRepository. Every statement
// runs in a transaction scoped to the runner's tenant so row level security applies.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

func (r *Repository) inTenant(ctx context.Context, tenantID string, fn func(pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Create implements domain.ActivityRepository.
func (r *Repository) Create(ctx context.Context, key domain.RunnerKey, activity domain.Activity) (bool, error) {
	const stmt = `INSERT INTO activities (tenant_id, runner_id, activity_id, distance_m, started_at, utc_offset_s, moving_ms)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (tenant_id, runner_id, activity_id) DO NOTHING`

	_, offset := activity.StartedAt.Zone()
	var created bool
	err := r.inTenant(ctx, key.TenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, stmt,
			key.TenantID,
			key.RunnerID,
			activity.ID,
			activity.Distance,
			activity.StartedAt.UTC(),
			offset,
			activity.MovingDuration.Milliseconds(),
		)
		if err != nil {
			return err
		}
		created = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert activity: %w", err)
	}
	return created, nil
}

// ListByRunner implements domain.ActivityRepository.
func (r *Repository) ListByRunner(ctx context.Context, key domain.RunnerKey, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	args := []any{key.TenantID, key.RunnerID, limit}
	query := `SELECT activity_id, distance_m, started_at, utc_offset_s, moving_ms
        FROM activities WHERE tenant_id=$1 AND runner_id=$2`

	if cursor != nil {
		query += ` AND (started_at, activity_id) < ($4, $5)`
		args = append(args, cursor.StartedAt, cursor.ID)
	}
	query += ` ORDER BY started_at DESC, activity_id DESC LIMIT $3`

	var results []domain.Activity
	err := r.inTenant(ctx, key.TenantID, func(tx pgx.Tx) error {
		var err error
		results, err = queryActivities(ctx, tx, query, args...)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list activities: %w", err)
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{StartedAt: last.StartedAt, ID: last.ID}
	}
	return results, next, nil
}

// History implements domain.ActivityRepository.
func (r *Repository) History(ctx context.Context, key domain.RunnerKey) ([]domain.Activity, error) {
	const query = `SELECT activity_id, distance_m, started_at, utc_offset_s, moving_ms
        FROM activities WHERE tenant_id=$1 AND runner_id=$2
        ORDER BY started_at, activity_id`

	var results []domain.Activity
	err := r.inTenant(ctx, key.TenantID, func(tx pgx.Tx) error {
		var err error
		results, err = queryActivities(ctx, tx, query, key.TenantID, key.RunnerID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return results, nil
}

func queryActivities(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]domain.Activity, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.Activity, 0)
	for rows.Next() {
		var (
			a        domain.Activity
			offset   int
			movingMS int64
		)
		if err := rows.Scan(&a.ID, &a.Distance, &a.StartedAt, &offset, &movingMS); err != nil {
			return nil, err
		}
		a.StartedAt = inOffset(a.StartedAt, offset)
		a.MovingDuration = time.Duration(movingMS) * time.Millisecond
		results = append(results, a)
	}
	return results, rows.Err()
}

// inOffset restores the runner's local offset so calendar dates bucket as recorded.
func inOffset(t time.Time, offset int) time.Time {
	if offset == 0 {
		return t.UTC()
	}
	return t.In(time.FixedZone("", offset))
}

// LoadSnapshot implements domain.SnapshotRepository.
func (r *Repository) LoadSnapshot(ctx context.Context, key domain.RunnerKey) (domain.Snapshot, error) {
	const query = `SELECT analysis_cache, override_state, plan
        FROM runner_snapshots WHERE tenant_id=$1 AND runner_id=$2`

	var cacheRaw, overrideRaw, planRaw []byte
	err := r.inTenant(ctx, key.TenantID, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, query, key.TenantID, key.RunnerID).Scan(&cacheRaw, &overrideRaw, &planRaw)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}

	var snap domain.Snapshot
	if err := decodeSlot(cacheRaw, &snap.Cache); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode analysis cache: %w", err)
	}
	if err := decodeSlot(overrideRaw, &snap.Override); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode override state: %w", err)
	}
	if err := decodeSlot(planRaw, &snap.Plan); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode plan: %w", err)
	}
	return snap, nil
}

func decodeSlot[T any](raw []byte, dst **T) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

// SaveSnapshot implements domain.SnapshotRepository. A changed plan fingerprint or override phase
// is recorded in the outbox within the same transaction.
func (r *Repository) SaveSnapshot(ctx context.Context, key domain.RunnerKey, snap domain.Snapshot) error {
	cacheRaw, err := encodeSlot(snap.Cache)
	if err != nil {
		return fmt.Errorf("encode analysis cache: %w", err)
	}
	overrideRaw, err := encodeSlot(snap.Override)
	if err != nil {
		return fmt.Errorf("encode override state: %w", err)
	}
	planRaw, err := encodeSlot(snap.Plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}

	cacheHash := ""
	if snap.Cache != nil {
		cacheHash = snap.Cache.Hash
	}
	phase := domain.PhaseNone
	if snap.Override != nil {
		phase = snap.Override.Current.Phase.Normalize()
	}
	fingerprint := snap.Plan.Fingerprint()

	const previous = `SELECT override_phase, plan_fingerprint FROM runner_snapshots
        WHERE tenant_id=$1 AND runner_id=$2 FOR UPDATE`

	const upsert = `INSERT INTO runner_snapshots (tenant_id, runner_id, analysis_cache, override_state, plan, cache_hash, override_phase, plan_fingerprint, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (tenant_id, runner_id) DO UPDATE SET
            version = runner_snapshots.version + 1,
            analysis_cache = EXCLUDED.analysis_cache,
            override_state = EXCLUDED.override_state,
            plan = EXCLUDED.plan,
            cache_hash = EXCLUDED.cache_hash,
            override_phase = EXCLUDED.override_phase,
            plan_fingerprint = EXCLUDED.plan_fingerprint,
            updated_at = EXCLUDED.updated_at
        RETURNING version`

	now := r.now().UTC()
	err = r.inTenant(ctx, key.TenantID, func(tx pgx.Tx) error {
		prevPhase, prevFingerprint := string(domain.PhaseNone), ""
		err := tx.QueryRow(ctx, previous, key.TenantID, key.RunnerID).Scan(&prevPhase, &prevFingerprint)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		var version int64
		if err := tx.QueryRow(ctx, upsert,
			key.TenantID, key.RunnerID,
			cacheRaw, overrideRaw, planRaw,
			cacheHash, string(phase), fingerprint, now,
		).Scan(&version); err != nil {
			return err
		}

		if snap.Plan != nil && fingerprint != prevFingerprint {
			if err := r.insertOutbox(ctx, tx, key, events.TypePlanGenerated, version, planEvent(key, snap, now)); err != nil {
				return err
			}
		}
		if snap.Override != nil && string(phase) != prevPhase {
			current := snap.Override.Current
			payload := events.OverrideChanged{
				TenantID:          key.TenantID,
				RunnerID:          key.RunnerID,
				From:              prevPhase,
				To:                string(phase),
				VolumeMultiplier:  current.VolumeMultiplier,
				LongRunMultiplier: current.LongRunMultiplier,
				OccurredAt:        now,
			}
			if current.Active() {
				payload.StartDate = domain.DateKey(current.StartDate)
			}
			if err := r.insertOutbox(ctx, tx, key, events.TypeOverrideChanged, version, payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func encodeSlot[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func planEvent(key domain.RunnerKey, snap domain.Snapshot, now time.Time) events.PlanGenerated {
	plan := snap.Plan
	days := make([]events.PlannedDay, 0, len(plan.Days))
	for _, d := range plan.Days {
		days = append(days, events.PlannedDay{
			Date:      domain.DateKey(d.Date),
			RunType:   string(d.RunType),
			DistanceM: d.Distance,
		})
	}
	return events.PlanGenerated{
		TenantID:     key.TenantID,
		RunnerID:     key.RunnerID,
		StartDate:    domain.DateKey(plan.StartDate),
		Fingerprint:  plan.Fingerprint(),
		ActivePhase:  string(plan.ActivePhase.Normalize()),
		TargetVolume: plan.TargetVolume,
		Days:         days,
		GeneratedAt:  now,
	}
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, key domain.RunnerKey, eventType string, version int64, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}
	dedupeKey := fmt.Sprintf("%s:%s:%d", key, eventType, version)

	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		key.TenantID,
		"runner",
		key.RunnerID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		meta.PartitionKeyFn(key),
		body,
		dedupeKey,
	)
	return err
}

// GetPreferences implements domain.SnapshotRepository.
func (r *Repository) GetPreferences(ctx context.Context, key domain.RunnerKey) (*domain.UserPreferences, error) {
	const query = `SELECT preferences FROM runner_preferences WHERE tenant_id=$1 AND runner_id=$2`

	var raw []byte
	err := r.inTenant(ctx, key.TenantID, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, query, key.TenantID, key.RunnerID).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}

	var prefs *domain.UserPreferences
	if err := decodeSlot(raw, &prefs); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	return prefs, nil
}

// SavePreferences implements domain.SnapshotRepository.
func (r *Repository) SavePreferences(ctx context.Context, key domain.RunnerKey, prefs domain.UserPreferences) error {
	body, err := json.Marshal(prefs)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO runner_preferences (tenant_id, runner_id, preferences, updated_at)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (tenant_id, runner_id) DO UPDATE SET preferences = EXCLUDED.preferences, updated_at = EXCLUDED.updated_at`

	err = r.inTenant(ctx, key.TenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, stmt, key.TenantID, key.RunnerID, body, r.now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(domain.RunnerKey) string
}

var eventCatalog = map[string]EventMetadata{
	events.TypePlanGenerated: {
		Topic:          "training_plans",
		SchemaSubject:  "training_plans-value",
		PartitionKeyFn: domain.RunnerKey.String,
	},
	events.TypeOverrideChanged: {
		Topic:          "risk_overrides",
		SchemaSubject:  "risk_overrides-value",
		PartitionKeyFn: domain.RunnerKey.String,
	},
}
