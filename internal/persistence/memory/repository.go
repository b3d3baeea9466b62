// Package memory provides in-process repositories for local development and tests.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"example.com/trainingload/internal/domain"
)

// Repository stores activities, snapshots and preferences in memory. Snapshots are stored in
// their JSON encoding so callers never share slices or maps with the store.
type Repository struct {
	mu          sync.RWMutex
	activities  map[string]map[string]domain.Activity
	snapshots   map[string][]byte
	preferences map[string]domain.UserPreferences
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		activities:  make(map[string]map[string]domain.Activity),
		snapshots:   make(map[string][]byte),
		preferences: make(map[string]domain.UserPreferences),
	}
}

// Create implements domain.ActivityRepository.
func (r *Repository) Create(ctx context.Context, key domain.RunnerKey, activity domain.Activity) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(activity.ID) == "" {
		activity.ID = uuid.NewString()
	}
	byID, ok := r.activities[key.String()]
	if !ok {
		byID = make(map[string]domain.Activity)
		r.activities[key.String()] = byID
	}
	if _, exists := byID[activity.ID]; exists {
		return false, nil
	}
	byID[activity.ID] = activity
	return true, nil
}

// ListByRunner implements domain.ActivityRepository.
func (r *Repository) ListByRunner(ctx context.Context, key domain.RunnerKey, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	all, _ := r.History(ctx, key)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].StartedAt.After(all[j].StartedAt)
	})

	results := make([]domain.Activity, 0, limit)
	for _, a := range all {
		if cursor != nil && !olderThan(a, *cursor) {
			continue
		}
		results = append(results, a)
		if len(results) == limit {
			break
		}
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{StartedAt: last.StartedAt, ID: last.ID}
	}
	return results, next, nil
}

// olderThan reports whether a sorts after the cursor in newest-first order.
func olderThan(a domain.Activity, c domain.Cursor) bool {
	if a.StartedAt.Equal(c.StartedAt) {
		return a.ID < c.ID
	}
	return a.StartedAt.Before(c.StartedAt)
}

// History implements domain.ActivityRepository.
func (r *Repository) History(ctx context.Context, key domain.RunnerKey) ([]domain.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID := r.activities[key.String()]
	out := make([]domain.Activity, 0, len(byID))
	for _, a := range byID {
		out = append(out, a)
	}
	return domain.SortActivities(out), nil
}

// LoadSnapshot implements domain.SnapshotRepository.
func (r *Repository) LoadSnapshot(ctx context.Context, key domain.RunnerKey) (domain.Snapshot, error) {
	r.mu.RLock()
	raw, ok := r.snapshots[key.String()]
	r.mu.RUnlock()

	var snap domain.Snapshot
	if !ok {
		return snap, nil
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// SaveSnapshot implements domain.SnapshotRepository.
func (r *Repository) SaveSnapshot(ctx context.Context, key domain.RunnerKey, snapshot domain.Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[key.String()] = raw
	return nil
}

// GetPreferences implements domain.SnapshotRepository.
func (r *Repository) GetPreferences(ctx context.Context, key domain.RunnerKey) (*domain.UserPreferences, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefs, ok := r.preferences[key.String()]
	if !ok {
		return nil, nil
	}
	return clonePreferences(prefs), nil
}

// SavePreferences implements domain.SnapshotRepository.
func (r *Repository) SavePreferences(ctx context.Context, key domain.RunnerKey, prefs domain.UserPreferences) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preferences[key.String()] = *clonePreferences(prefs)
	return nil
}

func clonePreferences(prefs domain.UserPreferences) *domain.UserPreferences {
	prefs.PreferredLongRunDays = slices.Clone(prefs.PreferredLongRunDays)
	prefs.ForbiddenDays = slices.Clone(prefs.ForbiddenDays)
	return &prefs
}
