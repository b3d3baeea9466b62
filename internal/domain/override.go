package domain

import "time"

// Phase is the active multi-day risk override. PhaseNone is an explicit variant, never a nil override.
type Phase string

const (
	PhaseNone           Phase = "none"
	PhaseLongRunLimited Phase = "long_run_limited"
	PhaseDeload         Phase = "deload"
	PhaseCooldown       Phase = "cooldown"
	PhaseRebuilding     Phase = "rebuilding"
)

// Normalize maps the zero value to PhaseNone.
func (p Phase) Normalize() Phase {
	if p == "" {
		return PhaseNone
	}
	return p
}

// ReducesVolume reports whether the phase scales weekly volume as well as the long run.
func (p Phase) ReducesVolume() bool {
	switch p.Normalize() {
	case PhaseDeload, PhaseRebuilding:
		return true
	case PhaseNone, PhaseCooldown, PhaseLongRunLimited:
		return false
	}
	return false
}

// RiskOverride is a multi-day adjustment to planning driven by risk signals.
type RiskOverride struct {
	Phase             Phase     `json:"phase"`
	StartDate         time.Time `json:"start_date"`
	VolumeMultiplier  float64   `json:"acwr_volume_multiplier"`
	LongRunMultiplier float64   `json:"long_run_multiplier"`
}

// NoOverride returns the neutral override.
func NoOverride() RiskOverride {
	return RiskOverride{Phase: PhaseNone, VolumeMultiplier: 1, LongRunMultiplier: 1}
}

// Active reports whether any override is in effect.
func (o RiskOverride) Active() bool {
	return o.Phase.Normalize() != PhaseNone
}

// Multipliers returns the volume and long-run multipliers, treating unset values as neutral.
func (o RiskOverride) Multipliers() (volume, longRun float64) {
	volume, longRun = o.VolumeMultiplier, o.LongRunMultiplier
	if volume <= 0 {
		volume = 1
	}
	if longRun <= 0 {
		longRun = 1
	}
	return volume, longRun
}

// OverrideState is the persisted slot of the override state machine.
// Previous is the override in force before EvaluatedOn was applied, so a second evaluation of the
// same date starts from the same basis.
type OverrideState struct {
	Current     RiskOverride `json:"current"`
	Previous    RiskOverride `json:"previous"`
	EvaluatedOn time.Time    `json:"evaluated_on"`
}
