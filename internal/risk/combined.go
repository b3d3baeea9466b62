package risk

import "example.com/trainingload/internal/domain"

var colors = map[domain.Severity]string{
	domain.SeverityNone:     "green",
	domain.SeverityLow:      "blue",
	domain.SeverityModerate: "yellow",
	domain.SeverityHigh:     "orange",
	domain.SeverityVeryHigh: "red",
}

// LoadSeverity maps a ratio tier onto the shared severity scale.
func LoadSeverity(tier domain.LoadTier) domain.Severity {
	switch tier {
	case domain.TierUndertraining:
		return domain.SeverityLow
	case domain.TierModerateOvertraining:
		return domain.SeverityModerate
	case domain.TierHighOvertraining:
		return domain.SeverityHigh
	default:
		return domain.SeverityNone
	}
}

// SingleRunSeverity maps a single-run tier onto the shared severity scale.
func SingleRunSeverity(tier domain.SingleRunTier) domain.Severity {
	switch tier {
	case domain.SingleRunModerate:
		return domain.SeverityModerate
	case domain.SingleRunHigh:
		return domain.SeverityHigh
	case domain.SingleRunVeryHigh:
		return domain.SeverityVeryHigh
	default:
		return domain.SeverityNone
	}
}

// Combine picks the worse of the two signals. On a tie the workload ratio speaks.
func Combine(assessment domain.AcuteChronicAssessment, single *domain.SingleActivityRiskAssessment) domain.CombinedRisk {
	loadSeverity := LoadSeverity(assessment.Tier)
	if single != nil {
		if s := SingleRunSeverity(single.Tier); s > loadSeverity {
			return domain.CombinedRisk{
				Severity: s,
				Title:    "Long run risk",
				Message:  single.Message,
				Color:    colors[s],
			}
		}
	}
	title := "Training load"
	switch assessment.Tier {
	case domain.TierUndertraining:
		title = "Undertraining"
	case domain.TierModerateOvertraining, domain.TierHighOvertraining:
		title = "Overtraining risk"
	}
	return domain.CombinedRisk{
		Severity: loadSeverity,
		Title:    title,
		Message:  assessment.Message,
		Color:    colors[loadSeverity],
	}
}
