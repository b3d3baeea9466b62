// Package planner generates the seven-day training plan: it lays out the week, splits the target
// volume over it and then validates every day against the simulated risk of the days before it.
package planner

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"example.com/trainingload/internal/analysis"
	"example.com/trainingload/internal/domain"
	"example.com/trainingload/internal/risk"
)

const (
	// MaxIterations bounds the validate-rebalance loop.
	MaxIterations = 10
	// ConvergenceEpsilon is the largest per-day change (metres) still considered converged.
	ConvergenceEpsilon = 0.1

	planDays = 7
)

// Input carries everything a plan depends on. Preferences must already be valid.
type Input struct {
	Today       time.Time
	Preferences domain.UserPreferences
	Pattern     domain.HistoricalPattern
	// Recent is the analysis projection for Today.
	Recent   domain.RunAnalysis
	Override domain.RiskOverride
	Previous *domain.WeeklyTrainingPlan
	History  []domain.Activity
	Cache    *domain.AnalysisCache
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger used for policy warnings.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Generator produces weekly plans. It holds no per-plan state and is safe for concurrent use.
type Generator struct {
	logger *zap.SugaredLogger
}

// New builds a Generator.
func New(opts ...Option) *Generator {
	g := &Generator{logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate builds the plan for the seven days starting at in.Today. It only fails when ctx is
// cancelled between validation passes.
func (g *Generator) Generate(ctx context.Context, in Input) (domain.WeeklyTrainingPlan, error) {
	today := domain.Day(in.Today)
	in.Today = today
	phase := in.Override.Phase.Normalize()
	rate := EffectiveProgression(in.Preferences.ProgressionRate, phase)

	var structure domain.Structure
	if reuseStructure(in, phase) {
		structure = in.Previous.Structure.Clone()
	} else {
		structure = assignStructure(in.Preferences, in.Pattern, phase)
	}

	var days layout
	for i := range days {
		days[i] = structure[today.AddDate(0, 0, i).Weekday()]
		if days[i] == "" {
			days[i] = domain.RunRest
		}
	}

	volume, longRun := in.Override.Multipliers()
	base := in.Recent.ChronicLoad
	if base <= 0 {
		base = risk.NoBaselineWeeklyLoad
	}
	weekly := base * volume * rate.Factor()
	maxSafeLong := risk.NoBaselineLongRun
	if in.Recent.LongestRunBaseline > 0 {
		maxSafeLong = risk.LongRunAllowance * in.Recent.LongestRunBaseline
	}
	maxSafeLong *= longRun

	current := distribute(days, weekly, maxSafeLong)
	iterations := 0
	if !phase.ReducesVolume() && len(days.active()) > 0 {
		var err error
		current, iterations, err = g.converge(ctx, in, days, current, weekly, maxSafeLong)
		if err != nil {
			return domain.WeeklyTrainingPlan{}, err
		}
	}

	plan := domain.WeeklyTrainingPlan{
		StartDate:       today,
		Days:            make([]domain.DailyPlan, planDays),
		ActivePhase:     phase,
		ProgressionRate: rate,
		Structure:       structure,
		Preferences:     in.Preferences,
		HistoryHash:     analysis.Hash(in.History),
		TargetVolume:    weekly,
		Iterations:      iterations,
	}
	for i := range plan.Days {
		date := today.AddDate(0, 0, i)
		plan.Days[i] = domain.DailyPlan{Date: date, Weekday: date.Weekday(), RunType: days[i], Distance: current[i]}
	}
	return plan, nil
}

// converge alternates validation and rebalancing until the distances settle, start oscillating or
// the iteration budget runs out.
func (g *Generator) converge(ctx context.Context, in Input, days layout, start distances, weekly, maxSafeLong float64) (distances, int, error) {
	states := []distances{start}
	current := start
	iterations := 0
	for iterations < MaxIterations {
		if err := ctx.Err(); err != nil {
			return current, iterations, fmt.Errorf("plan generation: %w", err)
		}
		iterations++
		clamped, ranges := g.validate(in, days, current, maxSafeLong)
		next := rebalance(clamped, ranges, days, weekly)

		settled := next.maxDelta(current) < ConvergenceEpsilon
		oscillating := len(states) >= 2 && next == states[len(states)-2]
		states = append(states, next)
		current = next
		if settled || oscillating {
			break
		}
	}
	return current, iterations, nil
}

// validate folds over the plan days in calendar order. Each active day is evaluated with the
// previously accepted days of the week as simulated activities and clamped into its safe range.
func (g *Generator) validate(in Input, days layout, values distances, maxSafeLong float64) (distances, [planDays]domain.RunRange) {
	var (
		out       distances
		ranges    [planDays]domain.RunRange
		simulated []domain.Activity
	)
	for i := range days {
		if days[i] == domain.RunRest {
			continue
		}
		date := in.Today.AddDate(0, 0, i)
		rng := analysis.EvaluateFutureDate(in.Cache, simulated, date).Range
		if days[i] == domain.RunLong {
			rng.Max = math.Min(rng.Max, maxSafeLong)
			if rng.Min > rng.Max {
				rng.Max = rng.Min
				rng.Collapsed = true
			}
		}
		if rng.Collapsed {
			g.logger.Warnw("recommended range collapsed, keeping minimum",
				"date", domain.DateKey(date),
				"run_type", days[i],
				"min", rng.Min,
			)
		}
		ranges[i] = rng
		out[i] = rng.Clamp(values[i])
		simulated = append(simulated, domain.Activity{
			ID:        "planned-" + domain.DateKey(date),
			Distance:  out[i],
			StartedAt: date,
		})
	}
	return out, ranges
}
