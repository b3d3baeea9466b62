package planner

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"example.com/trainingload/internal/domain"
)

const (
	// PatternMinActivities is the history needed before a pattern is trusted.
	PatternMinActivities = 8
	patternWeeks         = 8
	typicalShare         = 0.5
)

// GenericPattern is assumed when the history is too short to reveal a schedule.
func GenericPattern() domain.HistoricalPattern {
	return domain.HistoricalPattern{TypicalRunsPerWeek: defaultRunsPerWeek}
}

// DetectPattern looks at up to eight seven-day blocks ending at asOf. A weekday is typical when it
// carries a run in at least half of the observed weeks; the long-run day is the weekday that most
// often holds the week's longest run, when it does so in at least half of them.
func DetectPattern(activities []domain.Activity, asOf time.Time) domain.HistoricalPattern {
	asOf = domain.Day(asOf)
	var first time.Time
	var usable []domain.Activity
	for _, a := range activities {
		if a.Date().After(asOf) {
			continue
		}
		usable = append(usable, a)
		if first.IsZero() || a.Date().Before(first) {
			first = a.Date()
		}
	}
	if len(usable) < PatternMinActivities {
		return GenericPattern()
	}

	weeks := min(patternWeeks, domain.DaysBetween(first, asOf)/7+1)
	counts := make([]float64, weeks)
	used := make([]map[time.Weekday]bool, weeks)
	longest := make([]domain.Activity, weeks)
	for w := range used {
		used[w] = make(map[time.Weekday]bool)
	}
	for _, a := range usable {
		w := domain.DaysBetween(a.Date(), asOf) / 7
		if w >= weeks {
			continue
		}
		counts[w]++
		used[w][a.Date().Weekday()] = true
		if a.Distance > longest[w].Distance {
			longest[w] = a
		}
	}

	threshold := typicalShare * float64(weeks)
	dayWeeks := make(map[time.Weekday]int)
	longVotes := make(map[time.Weekday]int)
	for w := 0; w < weeks; w++ {
		for day := range used[w] {
			dayWeeks[day]++
		}
		if longest[w].Distance > 0 {
			longVotes[longest[w].Date().Weekday()]++
		}
	}

	pattern := domain.HistoricalPattern{TypicalRunsPerWeek: int(math.Round(stat.Mean(counts, nil)))}
	bestVotes := 0
	for _, day := range domain.Week {
		if float64(dayWeeks[day]) >= threshold {
			pattern.TypicalRunDays = append(pattern.TypicalRunDays, day)
		}
		if v := longVotes[day]; v > bestVotes && float64(v) >= threshold {
			d := day
			pattern.TypicalLongRunDay = &d
			bestVotes = v
		}
	}
	n := len(pattern.TypicalRunDays)
	pattern.HasClearStructure = n > 0 && n-pattern.TypicalRunsPerWeek <= 1 && pattern.TypicalRunsPerWeek-n <= 1
	return pattern
}
