package domain

import "context"

// Snapshot bundles the derived state of a runner. Each part is a single persisted slot; nil means
// nothing has been stored yet.
type Snapshot struct {
	Cache    *AnalysisCache
	Override *OverrideState
	Plan     *WeeklyTrainingPlan
}

// SnapshotRepository persists derived state and preferences.
type SnapshotRepository interface {
	LoadSnapshot(ctx context.Context, key RunnerKey) (Snapshot, error)
	// SaveSnapshot replaces all three slots atomically.
	SaveSnapshot(ctx context.Context, key RunnerKey, snapshot Snapshot) error
	// GetPreferences returns nil when the runner has not saved preferences.
	GetPreferences(ctx context.Context, key RunnerKey) (*UserPreferences, error)
	SavePreferences(ctx context.Context, key RunnerKey, prefs UserPreferences) error
}
