package domain

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// RunType is the role of a day in the weekly structure.
type RunType string

const (
	RunLong     RunType = "long"
	RunModerate RunType = "moderate"
	RunEasy     RunType = "easy"
	RunRest     RunType = "rest"
)

// ProgressionRate controls how aggressively weekly volume grows over chronic load.
type ProgressionRate string

const (
	ProgressionRetain ProgressionRate = "retain"
	ProgressionSlow   ProgressionRate = "slow"
	ProgressionFast   ProgressionRate = "fast"
)

// Factor returns the weekly volume multiplier for the rate.
func (r ProgressionRate) Factor() float64 {
	switch r {
	case ProgressionSlow:
		return 1.1
	case ProgressionFast:
		return 1.3
	default:
		return 1.0
	}
}

// Structure maps each weekday to its run type.
type Structure map[time.Weekday]RunType

// Clone returns an independent copy.
func (s Structure) Clone() Structure {
	out := make(Structure, len(s))
	for day, kind := range s {
		out[day] = kind
	}
	return out
}

// Days returns the weekdays assigned the given run type in Monday-first order.
func (s Structure) Days(kind RunType) []time.Weekday {
	var out []time.Weekday
	for _, day := range Week {
		if s[day] == kind {
			out = append(out, day)
		}
	}
	return out
}

// Week lists weekdays Monday first.
var Week = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday}

// UserPreferences captures the runner's scheduling constraints.
type UserPreferences struct {
	MaxRunsPerWeek       int             `json:"max_runs_per_week" yaml:"max_runs_per_week"`
	PreferredLongRunDays []time.Weekday  `json:"preferred_long_run_days" yaml:"preferred_long_run_days"`
	ForbiddenDays        []time.Weekday  `json:"forbidden_days" yaml:"forbidden_days"`
	ProgressionRate      ProgressionRate `json:"progression_rate" yaml:"progression_rate"`
}

// DefaultPreferences is used when a runner has not saved any.
func DefaultPreferences() UserPreferences {
	return UserPreferences{MaxRunsPerWeek: 3, ProgressionRate: ProgressionRetain}
}

// AvailableDays returns the weekdays that are not forbidden, Monday first.
func (p UserPreferences) AvailableDays() []time.Weekday {
	out := make([]time.Weekday, 0, len(Week))
	for _, day := range Week {
		if !slices.Contains(p.ForbiddenDays, day) {
			out = append(out, day)
		}
	}
	return out
}

// Validate rejects preferences the planner cannot satisfy.
func (p UserPreferences) Validate() error {
	if p.MaxRunsPerWeek < 1 || p.MaxRunsPerWeek > 7 {
		return fmt.Errorf("%w: max_runs_per_week must be between 1 and 7", ErrInvalidPreferences)
	}
	switch p.ProgressionRate {
	case ProgressionRetain, ProgressionSlow, ProgressionFast:
	default:
		return fmt.Errorf("%w: unknown progression_rate %q", ErrInvalidPreferences, p.ProgressionRate)
	}
	for _, day := range append(slices.Clone(p.PreferredLongRunDays), p.ForbiddenDays...) {
		if day < time.Sunday || day > time.Saturday {
			return fmt.Errorf("%w: invalid weekday %d", ErrInvalidPreferences, day)
		}
	}
	if available := len(p.AvailableDays()); available < p.MaxRunsPerWeek {
		return fmt.Errorf("%w: %d available days cannot hold %d runs per week", ErrInvalidPreferences, available, p.MaxRunsPerWeek)
	}
	return nil
}

// Fingerprint identifies the preferences a plan was generated from.
func (p UserPreferences) Fingerprint() string {
	h := xxhash.New()
	_, _ = h.WriteString(strconv.Itoa(p.MaxRunsPerWeek))
	_, _ = h.WriteString("|" + string(p.ProgressionRate) + "|")
	for _, day := range p.PreferredLongRunDays {
		_, _ = h.WriteString(strconv.Itoa(int(day)))
	}
	_, _ = h.WriteString("|")
	for _, day := range p.ForbiddenDays {
		_, _ = h.WriteString(strconv.Itoa(int(day)))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// SameSchedule reports whether the day constraints and run count match.
func (p UserPreferences) SameSchedule(other UserPreferences) bool {
	return p.MaxRunsPerWeek == other.MaxRunsPerWeek &&
		sameWeekdays(p.PreferredLongRunDays, other.PreferredLongRunDays) &&
		sameWeekdays(p.ForbiddenDays, other.ForbiddenDays)
}

func sameWeekdays(a, b []time.Weekday) bool {
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(slices.Compact(x), slices.Compact(y))
}

// HistoricalPattern summarises how the runner has been scheduling runs.
type HistoricalPattern struct {
	HasClearStructure  bool           `json:"has_clear_structure"`
	TypicalRunDays     []time.Weekday `json:"typical_run_days"`
	TypicalLongRunDay  *time.Weekday  `json:"typical_long_run_day,omitempty"`
	TypicalRunsPerWeek int            `json:"typical_runs_per_week"`
}

// DailyPlan is one day of the weekly plan.
type DailyPlan struct {
	Date     time.Time    `json:"date"`
	Weekday  time.Weekday `json:"weekday"`
	RunType  RunType      `json:"run_type"`
	Distance float64      `json:"distance_m"`
}

// WeeklyTrainingPlan is the seven-day schedule starting today.
type WeeklyTrainingPlan struct {
	StartDate       time.Time       `json:"start_date"`
	Days            []DailyPlan     `json:"days"`
	ActivePhase     Phase           `json:"active_phase,omitempty"`
	ProgressionRate ProgressionRate `json:"progression_rate"`
	Structure       Structure       `json:"structure"`
	Preferences     UserPreferences `json:"preferences"`
	HistoryHash     string          `json:"history_hash"`
	TargetVolume    float64         `json:"target_volume"`
	Iterations      int             `json:"iterations"`
}

// Day returns the plan entry for date.
func (p *WeeklyTrainingPlan) Day(date time.Time) (DailyPlan, bool) {
	if p == nil {
		return DailyPlan{}, false
	}
	date = Day(date)
	for _, d := range p.Days {
		if d.Date.Equal(date) {
			return d, true
		}
	}
	return DailyPlan{}, false
}

// TotalDistance sums the planned distances.
func (p *WeeklyTrainingPlan) TotalDistance() float64 {
	total := 0.0
	for _, d := range p.Days {
		total += d.Distance
	}
	return total
}

// Fingerprint hashes what a calendar consumer sees: dates, run types and distances rounded to
// whole metres. Equal fingerprints mean no re-sync is needed.
func (p *WeeklyTrainingPlan) Fingerprint() string {
	if p == nil {
		return ""
	}
	h := xxhash.New()
	for _, d := range p.Days {
		_, _ = h.WriteString(DateKey(d.Date))
		_, _ = h.WriteString(string(d.RunType))
		_, _ = h.WriteString(strconv.FormatInt(int64(math.Round(d.Distance)), 10))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
