package events

import "time"

// Event types recorded in the outbox.
const (
	TypePlanGenerated   = "plan.generated"
	TypeOverrideChanged = "risk.override_changed"
)

// PlannedDay is one entry of a published plan.
type PlannedDay struct {
	Date      string  `json:"date"`
	RunType   string  `json:"run_type"`
	DistanceM float64 `json:"distance_m"`
}

// PlanGenerated is emitted when a runner's weekly plan changes in a way a calendar would notice.
type PlanGenerated struct {
	TenantID     string       `json:"tenant_id"`
	RunnerID     string       `json:"runner_id"`
	StartDate    string       `json:"start_date"`
	Fingerprint  string       `json:"fingerprint"`
	ActivePhase  string       `json:"active_phase"`
	TargetVolume float64      `json:"target_volume_m"`
	Days         []PlannedDay `json:"days"`
	GeneratedAt  time.Time    `json:"generated_at"`
}

// OverrideChanged tracks risk override phase transitions.
type OverrideChanged struct {
	TenantID          string    `json:"tenant_id"`
	RunnerID          string    `json:"runner_id"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	StartDate         string    `json:"start_date,omitempty"`
	VolumeMultiplier  float64   `json:"volume_multiplier"`
	LongRunMultiplier float64   `json:"long_run_multiplier"`
	OccurredAt        time.Time `json:"occurred_at"`
}
