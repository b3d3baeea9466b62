package planner

import (
	"slices"
	"time"

	"example.com/trainingload/internal/domain"
)

const defaultRunsPerWeek = 3

// reuseStructure reports whether the previous plan's weekday layout still applies.
func reuseStructure(in Input, phase domain.Phase) bool {
	prev := in.Previous
	if prev == nil || len(prev.Structure) == 0 {
		return false
	}
	if prev.ActivePhase.Normalize() != phase {
		return false
	}
	if !prev.Preferences.SameSchedule(in.Preferences) {
		return false
	}
	return !diverged(prev, in.History, in.Today)
}

// diverged reports whether yesterday's runs disagree with what the previous plan asked for.
func diverged(prev *domain.WeeklyTrainingPlan, history []domain.Activity, today time.Time) bool {
	yesterday := domain.Day(today).AddDate(0, 0, -1)
	planned := prev.Structure[yesterday.Weekday()]
	if day, ok := prev.Day(yesterday); ok {
		planned = day.RunType
	}
	ran := slices.ContainsFunc(history, func(a domain.Activity) bool {
		return a.Date().Equal(yesterday)
	})
	restDay := planned == "" || planned == domain.RunRest
	return restDay == ran
}

// assignStructure lays out one long day, then moderate and easy days spread around the week.
func assignStructure(prefs domain.UserPreferences, pattern domain.HistoricalPattern, phase domain.Phase) domain.Structure {
	structure := make(domain.Structure, len(domain.Week))
	for _, day := range domain.Week {
		structure[day] = domain.RunRest
	}

	available := prefs.AvailableDays()
	target := targetRuns(prefs, pattern, phase, len(available))
	if target == 0 {
		return structure
	}

	long := chooseLongDay(prefs, pattern, available)
	structure[long] = domain.RunLong
	assigned := []time.Weekday{long}

	moderates := 0
	if target >= 3 {
		moderates = 1
	}
	if target >= 5 {
		moderates = 2
	}
	for len(assigned) < target {
		day := mostSpacedDay(available, assigned)
		kind := domain.RunEasy
		if len(assigned) <= moderates {
			kind = domain.RunModerate
		}
		structure[day] = kind
		assigned = append(assigned, day)
	}
	return structure
}

func targetRuns(prefs domain.UserPreferences, pattern domain.HistoricalPattern, phase domain.Phase, available int) int {
	typical := pattern.TypicalRunsPerWeek
	if typical <= 0 {
		typical = defaultRunsPerWeek
	}
	if phase.ReducesVolume() {
		typical--
	} else {
		typical++
	}
	target := min(prefs.MaxRunsPerWeek, typical, available)
	if target < 1 && available > 0 && prefs.MaxRunsPerWeek > 0 {
		target = 1
	}
	return max(target, 0)
}

// chooseLongDay prefers a preferred day the runner historically runs on (the historical long day
// first among them), then any preferred day, then the historical long day, then the latest
// available weekday.
func chooseLongDay(prefs domain.UserPreferences, pattern domain.HistoricalPattern, available []time.Weekday) time.Weekday {
	isAvailable := func(d time.Weekday) bool { return slices.Contains(available, d) }
	hist := pattern.TypicalLongRunDay

	if hist != nil && isAvailable(*hist) && slices.Contains(prefs.PreferredLongRunDays, *hist) {
		return *hist
	}
	for _, d := range prefs.PreferredLongRunDays {
		if isAvailable(d) && slices.Contains(pattern.TypicalRunDays, d) {
			return d
		}
	}
	for _, d := range prefs.PreferredLongRunDays {
		if isAvailable(d) {
			return d
		}
	}
	if hist != nil && isAvailable(*hist) {
		return *hist
	}
	return available[len(available)-1]
}

// mostSpacedDay picks the free day furthest, around the weekly cycle, from every assigned day.
// Ties go to the earliest weekday, Monday first.
func mostSpacedDay(available, assigned []time.Weekday) time.Weekday {
	best, bestGap := time.Weekday(-1), -1
	for _, d := range available {
		if slices.Contains(assigned, d) {
			continue
		}
		gap := len(domain.Week)
		for _, a := range assigned {
			gap = min(gap, circularGap(d, a))
		}
		if gap > bestGap {
			best, bestGap = d, gap
		}
	}
	return best
}

func circularGap(a, b time.Weekday) int {
	d := int(a) - int(b)
	if d < 0 {
		d = -d
	}
	return min(d, len(domain.Week)-d)
}
