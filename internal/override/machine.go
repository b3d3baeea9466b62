// Package override runs the multi-day risk override state machine. Each calendar day the latest
// workload and single-run tiers move the runner between none, deload, rebuilding, cooldown and
// long-run-limited phases.
package override

import (
	"errors"
	"fmt"
	"math"
	"time"

	"example.com/trainingload/internal/analysis"
	"example.com/trainingload/internal/domain"
)

// ErrOutOfOrder is returned when a date older than the last evaluated one is applied.
var ErrOutOfOrder = errors.New("override evaluated out of calendar order")

const (
	// ExpiryDays is how long cooldown and long-run-limited last without a relapse.
	ExpiryDays = 7

	recoveredAbove = 0.9
	atRiskBelow    = 1.0
	singleRunSafe  = 1.1
	cooldownLong   = 0.9
)

// ACWRMultiplier converts a workload tier into a volume multiplier.
func ACWRMultiplier(tier domain.LoadTier) float64 {
	switch tier {
	case domain.TierUndertraining:
		return 0.9
	case domain.TierModerateOvertraining:
		return 0.8
	case domain.TierHighOvertraining:
		return 0.7
	default:
		return 1.0
	}
}

// SingleRunMultiplier converts a single-run tier into a long-run multiplier. A value of 1.1 means
// no single-run risk.
func SingleRunMultiplier(tier domain.SingleRunTier) float64 {
	switch tier {
	case domain.SingleRunModerate:
		return 1.0
	case domain.SingleRunHigh:
		return 0.9
	case domain.SingleRunVeryHigh:
		return 0.8
	default:
		return singleRunSafe
	}
}

// Signal is the risk observed on one calendar day.
type Signal struct {
	Date          time.Time
	ACWRTier      domain.LoadTier
	SingleRunTier domain.SingleRunTier
}

// SignalFrom extracts the day's signal from an analysis projection.
func SignalFrom(a domain.RunAnalysis) Signal {
	sig := Signal{Date: a.Date, ACWRTier: a.Assessment.Tier, SingleRunTier: domain.SingleRunNone}
	if a.SingleRun != nil {
		sig.SingleRunTier = a.SingleRun.Tier
	}
	return sig
}

// Transition applies one day's multipliers to the current override. acwr is the workload
// multiplier, single the single-run multiplier and today the evaluated date.
func Transition(current domain.RiskOverride, acwr, single float64, today time.Time) domain.RiskOverride {
	today = domain.Day(today)
	current = normalize(current)
	elapsed := domain.DaysBetween(current.StartDate, today)

	switch current.Phase {
	case domain.PhaseNone:
		return enter(acwr, single, today)
	case domain.PhaseDeload:
		switch {
		case acwr > recoveredAbove:
			return phase(domain.PhaseCooldown, acwr, single, today)
		case acwr == recoveredAbove:
			return phase(domain.PhaseRebuilding, acwr, single, today)
		}
	case domain.PhaseRebuilding:
		if acwr > recoveredAbove {
			return phase(domain.PhaseCooldown, acwr, single, today)
		}
	case domain.PhaseCooldown:
		if acwr < atRiskBelow {
			return relapse(acwr, single, today)
		}
		if elapsed >= ExpiryDays {
			return domain.NoOverride()
		}
	case domain.PhaseLongRunLimited:
		// Workload risk does not escalate a long-run limit; it expires first.
		if elapsed >= ExpiryDays {
			return domain.NoOverride()
		}
	}
	return current
}

// enter applies the rule for a runner with no active override.
func enter(acwr, single float64, today time.Time) domain.RiskOverride {
	switch {
	case acwr < atRiskBelow:
		return relapse(acwr, single, today)
	case single < singleRunSafe:
		return phase(domain.PhaseLongRunLimited, acwr, single, today)
	default:
		return domain.NoOverride()
	}
}

// relapse picks deload or rebuilding for a workload multiplier below 1.0.
func relapse(acwr, single float64, today time.Time) domain.RiskOverride {
	if acwr < recoveredAbove {
		return phase(domain.PhaseDeload, acwr, single, today)
	}
	return phase(domain.PhaseRebuilding, acwr, single, today)
}

func phase(p domain.Phase, acwr, single float64, start time.Time) domain.RiskOverride {
	o := domain.RiskOverride{Phase: p, StartDate: start, VolumeMultiplier: 1, LongRunMultiplier: 1}
	switch p {
	case domain.PhaseDeload:
		o.VolumeMultiplier = acwr
		o.LongRunMultiplier = math.Min(acwr, math.Min(single, 1))
	case domain.PhaseRebuilding:
		o.VolumeMultiplier = acwr
		o.LongRunMultiplier = math.Min(single, 1)
	case domain.PhaseCooldown:
		o.LongRunMultiplier = cooldownLong
	case domain.PhaseLongRunLimited:
		o.LongRunMultiplier = single
	}
	return o
}

func normalize(o domain.RiskOverride) domain.RiskOverride {
	o.Phase = o.Phase.Normalize()
	if o.Phase == domain.PhaseNone {
		return domain.NoOverride()
	}
	return o
}

// Advance applies sig to the persisted state. Dates must arrive in calendar order. A second
// signal for the last evaluated date recomputes from the override that preceded it.
func Advance(state domain.OverrideState, sig Signal) (domain.OverrideState, error) {
	date := domain.Day(sig.Date)
	basis := state.Current
	if !state.EvaluatedOn.IsZero() {
		last := domain.Day(state.EvaluatedOn)
		switch {
		case date.Before(last):
			return state, fmt.Errorf("%w: %s is before %s", ErrOutOfOrder, domain.DateKey(date), domain.DateKey(last))
		case date.Equal(last):
			basis = state.Previous
		}
	}
	basis = normalize(basis)
	next := Transition(basis, ACWRMultiplier(sig.ACWRTier), SingleRunMultiplier(sig.SingleRunTier), date)
	return domain.OverrideState{Current: next, Previous: basis, EvaluatedOn: date}, nil
}

// Replay advances state through every cached day after the last evaluated one up to through.
// Days older than the cache's assessment window are skipped. A fresh state only evaluates through.
func Replay(state domain.OverrideState, cache *domain.AnalysisCache, through time.Time) (domain.OverrideState, error) {
	through = domain.Day(through)
	from := through
	if !state.EvaluatedOn.IsZero() {
		last := domain.Day(state.EvaluatedOn)
		if through.Before(last) {
			return state, fmt.Errorf("%w: %s is before %s", ErrOutOfOrder, domain.DateKey(through), domain.DateKey(last))
		}
		from = last.AddDate(0, 0, 1)
		if from.After(through) {
			from = through
		}
		if earliest := through.AddDate(0, 0, -(analysis.AssessmentDays - 1)); from.Before(earliest) {
			from = earliest
		}
	}

	var err error
	for d := from; !d.After(through); d = d.AddDate(0, 0, 1) {
		state, err = Advance(state, SignalFrom(analysis.DeriveForDate(cache, d)))
		if err != nil {
			return state, err
		}
	}
	return state, nil
}
