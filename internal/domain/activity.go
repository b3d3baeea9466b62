// Package domain defines the data model shared by the analysis, override and planning packages.
package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidPreferences marks preferences rejected before they reach the planner.
var ErrInvalidPreferences = errors.New("invalid preferences")

// DateKeyLayout is the format used for date-keyed maps.
const DateKeyLayout = "2006-01-02"

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateKey formats the calendar date of t as a map key.
func DateKey(t time.Time) string {
	return t.Format(DateKeyLayout)
}

// DaysBetween returns the whole number of calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// RunnerKey identifies the owner of an activity history and its derived state.
type RunnerKey struct {
	TenantID string
	RunnerID string
}

func (k RunnerKey) String() string {
	return fmt.Sprintf("%s:%s", k.TenantID, k.RunnerID)
}

// Activity is an immutable record of a completed run. StartedAt carries the runner's local offset.
type Activity struct {
	ID             string        `json:"id" yaml:"id"`
	Distance       float64       `json:"distance_m" yaml:"distance_m"`
	StartedAt      time.Time     `json:"started_at" yaml:"started_at"`
	MovingDuration time.Duration `json:"moving_duration" yaml:"moving_duration"`
}

// Date returns the local calendar day the activity started on.
func (a Activity) Date() time.Time {
	return Day(a.StartedAt)
}

// SortActivities returns a copy ordered by start time, then ID.
func SortActivities(activities []Activity) []Activity {
	out := make([]Activity, len(activities))
	copy(out, activities)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Cursor models the pagination token for activity listings.
type Cursor struct {
	StartedAt time.Time
	ID        string
}

// ActivityRepository captures activity persistence.
type ActivityRepository interface {
	// Create stores the activity. Replaying an existing ID is not an error and reports created=false.
	Create(ctx context.Context, key RunnerKey, activity Activity) (created bool, err error)
	// ListByRunner pages through activities newest first.
	ListByRunner(ctx context.Context, key RunnerKey, cursor *Cursor, limit int) ([]Activity, *Cursor, error)
	// History returns every activity of the runner ordered by start time.
	History(ctx context.Context, key RunnerKey) ([]Activity, error)
}
