// Package risk converts dated activities into daily load series and classifies injury risk from
// the acute:chronic workload ratio and from single runs that outgrow the longest-run baseline.
package risk

import (
	"time"

	"gonum.org/v1/gonum/floats"

	"example.com/trainingload/internal/domain"
)

const (
	// LongestRunLookback is the trailing window, in days, of the rolling longest run.
	LongestRunLookback = 30
	// BaselineSmoothing is the EWMA weight applied to each day's rolling longest run.
	BaselineSmoothing = 0.25
	// LoadCapFactor caps a day's load at this multiple of the baseline in the capped series.
	LoadCapFactor = 2.0
	// minSeriesDays guarantees a full chronic window even for an empty history.
	minSeriesDays = 28
)

// Series is a gap-free daily view of an activity history. All slices share the same length and
// index 0 corresponds to Start.
type Series struct {
	Start    time.Time
	Load     []float64
	Longest  []float64
	Capped   []float64
	Baseline []float64
}

// BuildSeries aggregates activities into a series that runs from the first activity (or 28 days
// before asOf, whichever is earlier) through asOf. Activities after asOf are ignored.
func BuildSeries(activities []domain.Activity, asOf time.Time) Series {
	asOf = domain.Day(asOf)
	start := asOf.AddDate(0, 0, -(minSeriesDays - 1))
	for _, a := range activities {
		if d := a.Date(); d.Before(start) {
			start = d
		}
	}
	s := Series{Start: start}.extendThrough(asOf)
	s.accumulate(activities, start)
	s.derive(0)
	return s
}

// Len returns the number of days in the series.
func (s Series) Len() int {
	return len(s.Load)
}

// End returns the last date of the series. For an empty series it is the day before Start.
func (s Series) End() time.Time {
	return s.Start.AddDate(0, 0, s.Len()-1)
}

// Date returns the date at index i.
func (s Series) Date(i int) time.Time {
	return s.Start.AddDate(0, 0, i)
}

func (s Series) index(date time.Time) int {
	return domain.DaysBetween(s.Start, date)
}

// Clone returns a deep copy.
func (s Series) Clone() Series {
	return Series{
		Start:    s.Start,
		Load:     append([]float64(nil), s.Load...),
		Longest:  append([]float64(nil), s.Longest...),
		Capped:   append([]float64(nil), s.Capped...),
		Baseline: append([]float64(nil), s.Baseline...),
	}
}

// Overlay returns a copy extended through the given date with extra activities added on top of the
// existing loads. Derived values are recomputed from the earliest affected day. Used to evaluate
// hypothetical runs without touching the original.
func (s Series) Overlay(extra []domain.Activity, through time.Time) Series {
	out := s.Clone().extendThrough(domain.Day(through))
	first := s.Len()
	for _, a := range extra {
		i := out.index(a.Date())
		if i < 0 || i >= out.Len() {
			continue
		}
		out.Load[i] += a.Distance
		if a.Distance > out.Longest[i] {
			out.Longest[i] = a.Distance
		}
		if i < first {
			first = i
		}
	}
	out.derive(first)
	return out
}

// Rebuild keeps the days before from, replaces everything from that date on with the given
// activities and recomputes derived values from there through the given date.
func (s Series) Rebuild(from time.Time, activities []domain.Activity, through time.Time) Series {
	from = domain.Day(from)
	cut := s.index(from)
	if cut < 0 {
		cut = 0
	}
	if cut > s.Len() {
		cut = s.Len()
	}
	out := Series{
		Start:    s.Start,
		Load:     append([]float64(nil), s.Load[:cut]...),
		Longest:  append([]float64(nil), s.Longest[:cut]...),
		Capped:   append([]float64(nil), s.Capped[:cut]...),
		Baseline: append([]float64(nil), s.Baseline[:cut]...),
	}
	out = out.extendThrough(domain.Day(through))
	out.accumulate(activities, out.Date(cut))
	out.derive(cut)
	return out
}

// Reframe returns a copy that starts at from. Older days are dropped and missing leading days
// are filled with zero load, which is what the history holds before its first activity.
func (s Series) Reframe(from time.Time) Series {
	from = domain.Day(from)
	shift := s.index(from)
	if shift >= 0 {
		if shift > s.Len() {
			shift = s.Len()
		}
		return Series{
			Start:    from,
			Load:     append([]float64(nil), s.Load[shift:]...),
			Longest:  append([]float64(nil), s.Longest[shift:]...),
			Capped:   append([]float64(nil), s.Capped[shift:]...),
			Baseline: append([]float64(nil), s.Baseline[shift:]...),
		}
	}
	pad := make([]float64, -shift)
	return Series{
		Start:    from,
		Load:     append(append([]float64(nil), pad...), s.Load...),
		Longest:  append(append([]float64(nil), pad...), s.Longest...),
		Capped:   append(append([]float64(nil), pad...), s.Capped...),
		Baseline: append(append([]float64(nil), pad...), s.Baseline...),
	}
}

// LoadBetween sums raw load over [from, to], treating days outside the series as zero.
func (s Series) LoadBetween(from, to time.Time) float64 {
	return s.sum(s.Load, from, to)
}

// BaselineAt returns the smoothed longest-run baseline on date.
func (s Series) BaselineAt(date time.Time) float64 {
	return s.valueAt(s.Baseline, date)
}

// LongestAt returns the longest single activity on date.
func (s Series) LongestAt(date time.Time) float64 {
	return s.valueAt(s.Longest, date)
}

func (s Series) valueAt(values []float64, date time.Time) float64 {
	i := s.index(date)
	if i < 0 || i >= len(values) {
		return 0
	}
	return values[i]
}

func (s Series) sum(values []float64, from, to time.Time) float64 {
	i, j := s.index(from), s.index(to)
	if i < 0 {
		i = 0
	}
	if j >= len(values) {
		j = len(values) - 1
	}
	if i > j {
		return 0
	}
	return floats.Sum(values[i : j+1])
}

func (s Series) extendThrough(through time.Time) Series {
	days := domain.DaysBetween(s.Start, through) + 1
	for s.Len() < days {
		s.Load = append(s.Load, 0)
		s.Longest = append(s.Longest, 0)
		s.Capped = append(s.Capped, 0)
		s.Baseline = append(s.Baseline, 0)
	}
	return s
}

// accumulate adds every activity dated on or after from into the daily slots.
func (s *Series) accumulate(activities []domain.Activity, from time.Time) {
	for _, a := range activities {
		d := a.Date()
		if d.Before(from) {
			continue
		}
		i := s.index(d)
		if i < 0 || i >= s.Len() {
			continue
		}
		s.Load[i] += a.Distance
		if a.Distance > s.Longest[i] {
			s.Longest[i] = a.Distance
		}
	}
}

// derive recomputes Baseline and Capped from index from onwards. The baseline on day d is an
// exponentially weighted average of the longest run over [d-30, d-1], seeded with the first
// non-zero value, so a day's own run never raises the bar it is measured against.
func (s *Series) derive(from int) {
	if from < 0 {
		from = 0
	}
	for j := from; j < s.Len(); j++ {
		lo := j - LongestRunLookback
		if lo < 0 {
			lo = 0
		}
		rolling := 0.0
		if j > lo {
			rolling = floats.Max(s.Longest[lo:j])
		}
		baseline := rolling
		if j > 0 && s.Baseline[j-1] > 0 {
			prev := s.Baseline[j-1]
			baseline = prev + BaselineSmoothing*(rolling-prev)
		}
		s.Baseline[j] = baseline

		capped := s.Load[j]
		if baseline > 0 && capped > LoadCapFactor*baseline {
			capped = LoadCapFactor * baseline
		}
		s.Capped[j] = capped
	}
}
