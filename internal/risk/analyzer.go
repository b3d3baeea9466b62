package risk

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"example.com/trainingload/internal/domain"
)

// Policy constants. These are calibrated thresholds, not derived values.
const (
	UndertrainingBelow  = 0.8
	OptimalUpTo         = 1.3
	ModerateUpTo        = 1.5
	SingleRunNoneBelow  = 1.1
	SingleRunModerateTo = 1.3
	SingleRunHighTo     = 2.0

	// NoBaselineWeeklyLoad is the weekly ceiling used before any chronic load exists (metres).
	NoBaselineWeeklyLoad = 15000.0
	// NoBaselineLongRun caps a single day when no longest-run baseline exists (metres).
	NoBaselineLongRun = 8000.0
	// LongRunAllowance is the growth allowed over the smoothed longest run before it becomes risky.
	LongRunAllowance = SingleRunNoneBelow
	// MinStimulusShare of the average chronic day keeps the lower bound above detraining.
	MinStimulusShare = 0.5
	// MinStimulusCap limits the lower bound for high-volume runners (metres).
	MinStimulusCap = 3000.0

	acuteDays    = 7
	chronicWeeks = 3
)

// Analyze builds a series from activities and evaluates it on asOf. It is deterministic and has no
// side effects.
func Analyze(activities []domain.Activity, asOf time.Time) domain.RunAnalysis {
	return Evaluate(BuildSeries(activities, asOf), asOf)
}

// Evaluate computes loads, ratio, tiers and the recommended range on date. Days the series does
// not cover count as zero load.
func Evaluate(s Series, date time.Time) domain.RunAnalysis {
	date = domain.Day(date)
	if date.After(s.End()) {
		s = s.Overlay(nil, date)
	}

	acute, chronic, ratio := Loads(s, date)
	cappedChronic := stat.Mean(weeklySums(s, s.Capped, date), nil)
	tier := ClassifyRatio(ratio)
	assessment := domain.AcuteChronicAssessment{
		Date:    date,
		Ratio:   ratio,
		Tier:    tier,
		Message: tierMessage(tier, chronic),
	}

	baseline := s.BaselineAt(date)
	priorSix := s.LoadBetween(date.AddDate(0, 0, -(acuteDays-1)), date.AddDate(0, 0, -1))
	rng, ceiling := recommendRange(chronic, cappedChronic, acute, priorSix, baseline, tier)

	single := recentSingleRun(s, date)
	return domain.RunAnalysis{
		Date:               date,
		AcuteLoad:          acute,
		ChronicLoad:        chronic,
		LongestRunBaseline: baseline,
		Range:              rng,
		MaxWeeklyLoad:      ceiling,
		Assessment:         assessment,
		SingleRun:          single,
		Combined:           Combine(assessment, single),
	}
}

// Loads returns the acute load over [date-6, date], the chronic load as the mean of the three
// weekly sums over [date-27, date-7], and their ratio (0 without a chronic baseline).
func Loads(s Series, date time.Time) (acute, chronic, ratio float64) {
	date = domain.Day(date)
	acute = s.LoadBetween(date.AddDate(0, 0, -(acuteDays-1)), date)
	chronic = stat.Mean(weeklySums(s, s.Load, date), nil)
	if chronic > 0 {
		ratio = acute / chronic
	}
	return acute, chronic, ratio
}

func weeklySums(s Series, values []float64, date time.Time) []float64 {
	sums := make([]float64, chronicWeeks)
	for w := range sums {
		end := date.AddDate(0, 0, -acuteDays*(w+1))
		start := end.AddDate(0, 0, -(acuteDays - 1))
		sums[w] = s.sum(values, start, end)
	}
	return sums
}

// ClassifyRatio maps an acute:chronic ratio to its tier. Boundaries: 0.8 and 1.3 are optimal,
// 1.5 is moderate.
func ClassifyRatio(ratio float64) domain.LoadTier {
	switch {
	case ratio < UndertrainingBelow:
		return domain.TierUndertraining
	case ratio <= OptimalUpTo:
		return domain.TierOptimal
	case ratio <= ModerateUpTo:
		return domain.TierModerateOvertraining
	default:
		return domain.TierHighOvertraining
	}
}

// ClassifySingleRun compares distance with the smoothed longest-run baseline.
func ClassifySingleRun(distance, baseline float64) domain.SingleActivityRiskAssessment {
	if baseline <= 0 {
		return domain.SingleActivityRiskAssessment{
			Tier:    domain.SingleRunNone,
			Message: "Not enough history to judge this run against your longest runs.",
		}
	}
	ratio := distance / baseline
	out := domain.SingleActivityRiskAssessment{Ratio: ratio, Baseline: baseline}
	switch {
	case ratio < SingleRunNoneBelow:
		out.Tier = domain.SingleRunNone
		out.Message = "Within your usual long-run range."
	case ratio <= SingleRunModerateTo:
		out.Tier = domain.SingleRunModerate
		out.Message = fmt.Sprintf("%.0f%% longer than your recent long runs.", (ratio-1)*100)
	case ratio <= SingleRunHighTo:
		out.Tier = domain.SingleRunHigh
		out.Message = fmt.Sprintf("%.0f%% longer than your recent long runs; recovery needed.", (ratio-1)*100)
	default:
		out.Tier = domain.SingleRunVeryHigh
		out.Message = fmt.Sprintf("More than double your recent long runs (%.1fx).", ratio)
	}
	return out
}

// AssessActivity merges the ratio tier on the activity's date with the activity's own single-run
// tier.
func AssessActivity(s Series, a domain.Activity) domain.CombinedRisk {
	date := a.Date()
	_, chronic, ratio := Loads(s, date)
	tier := ClassifyRatio(ratio)
	assessment := domain.AcuteChronicAssessment{Date: date, Ratio: ratio, Tier: tier, Message: tierMessage(tier, chronic)}
	single := ClassifySingleRun(a.Distance, s.BaselineAt(date))
	return Combine(assessment, &single)
}

// recentSingleRun assesses the longest run of the most recent active day within the acute window.
func recentSingleRun(s Series, date time.Time) *domain.SingleActivityRiskAssessment {
	for back := 0; back < acuteDays; back++ {
		d := date.AddDate(0, 0, -back)
		if longest := s.LongestAt(d); longest > 0 {
			assessment := ClassifySingleRun(longest, s.BaselineAt(d))
			return &assessment
		}
	}
	return nil
}

func recommendRange(chronic, cappedChronic, acute, priorSix, baseline float64, tier domain.LoadTier) (domain.RunRange, float64) {
	var ceiling float64
	if chronic <= 0 {
		ceiling = math.Max(LongRunAllowance*acute, NoBaselineWeeklyLoad)
	} else {
		ceiling = cappedChronic * ceilingFactor(tier)
	}

	longCap := NoBaselineLongRun
	if baseline > 0 {
		longCap = LongRunAllowance * baseline
	}

	rng := domain.RunRange{Max: math.Max(0, math.Min(ceiling-priorSix, longCap))}
	if cappedChronic > 0 {
		rng.Min = math.Min(MinStimulusShare*cappedChronic/acuteDays, MinStimulusCap)
	}
	if rng.Min > rng.Max {
		rng.Max = rng.Min
		rng.Collapsed = true
	}
	return rng, ceiling
}

// ceilingFactor shrinks the weekly ceiling as overtraining risk rises.
func ceilingFactor(tier domain.LoadTier) float64 {
	switch tier {
	case domain.TierModerateOvertraining:
		return 1.15
	case domain.TierHighOvertraining:
		return 1.0
	default:
		return OptimalUpTo
	}
}

func tierMessage(tier domain.LoadTier, chronic float64) string {
	switch tier {
	case domain.TierUndertraining:
		if chronic <= 0 {
			return "No training baseline yet; build up gradually."
		}
		return "Training load is well below your recent average."
	case domain.TierOptimal:
		return "Training load is in the optimal range."
	case domain.TierModerateOvertraining:
		return "Training load is rising quickly; consider easing off."
	case domain.TierHighOvertraining:
		return "Training load spike: high injury risk."
	}
	return ""
}
