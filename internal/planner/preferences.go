package planner

import "example.com/trainingload/internal/domain"

// IsPlanValid reports whether a plan can be generated for prefs. Callers check it before invoking
// the generator.
func IsPlanValid(prefs domain.UserPreferences) bool {
	return prefs.Validate() == nil
}

// EffectiveProgression applies the active phase to the runner's progression rate. Deload and
// rebuilding hold volume, cooldown and long-run-limited cap growth at slow.
func EffectiveProgression(rate domain.ProgressionRate, phase domain.Phase) domain.ProgressionRate {
	if rate == "" {
		rate = domain.ProgressionRetain
	}
	switch phase.Normalize() {
	case domain.PhaseDeload, domain.PhaseRebuilding:
		return domain.ProgressionRetain
	case domain.PhaseCooldown, domain.PhaseLongRunLimited:
		if rate == domain.ProgressionFast {
			return domain.ProgressionSlow
		}
	}
	return rate
}
