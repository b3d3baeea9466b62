// Package analysis maintains the rolling analysis cache of a runner and derives per-date risk
// projections from it, including projections for hypothetical future activities.
package analysis

import (
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"example.com/trainingload/internal/domain"
	"example.com/trainingload/internal/risk"
)

const (
	// RetentionDays is the length of the cached daily series.
	RetentionDays = 60
	// AssessmentDays is the suffix of the window that has a full chronic lookback and therefore
	// carries per-date assessments.
	AssessmentDays = RetentionDays - 27

	loadTolerance = 1e-6
)

// Mode selects how Update rebuilds the cache.
type Mode int

const (
	// Full rebuilds the series from the complete history.
	Full Mode = iota
	// Incremental keeps the cached prefix before the overlap date.
	Incremental
)

func (m Mode) String() string {
	if m == Incremental {
		return "incremental"
	}
	return "full"
}

// Hash fingerprints an activity set independently of slice order.
func Hash(activities []domain.Activity) string {
	h := xxhash.New()
	for _, a := range domain.SortActivities(activities) {
		_, _ = h.WriteString(a.ID)
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(strconv.FormatInt(a.StartedAt.UTC().UnixNano(), 10))
		_, _ = h.WriteString(domain.DateKey(a.Date()))
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(strconv.FormatFloat(a.Distance, 'g', -1, 64))
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(strconv.FormatInt(int64(a.MovingDuration), 10))
		_, _ = h.WriteString("\n")
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// IsStale reports whether the cache must be recomputed before it can answer for today.
func IsStale(cache *domain.AnalysisCache, activities []domain.Activity, today time.Time) bool {
	if cache == nil || len(cache.Daily) == 0 {
		return true
	}
	if cache.Hash != Hash(activities) {
		return true
	}
	return domain.Day(cache.CacheDate).Before(domain.Day(today))
}

// DetectOverlap returns the first date from which the cached series no longer matches the
// activities. It returns false when the difference cannot be located inside the retained window
// and only a full rebuild is safe.
func DetectOverlap(cache *domain.AnalysisCache, activities []domain.Activity) (time.Time, bool) {
	if cache == nil || len(cache.Daily) == 0 {
		return time.Time{}, false
	}
	start, end := cache.Start(), domain.Day(cache.CacheDate)

	type day struct{ load, longest float64 }
	seen := make(map[string]day, len(cache.Daily))
	var known []domain.Activity
	for _, a := range activities {
		d := a.Date()
		if d.After(end) {
			continue
		}
		known = append(known, a)
		if d.Before(start) {
			continue
		}
		k := domain.DateKey(d)
		v := seen[k]
		v.load += a.Distance
		v.longest = math.Max(v.longest, a.Distance)
		seen[k] = v
	}
	for _, cached := range cache.Daily {
		v := seen[domain.DateKey(cached.Date)]
		if math.Abs(v.load-cached.Load) > loadTolerance || math.Abs(v.longest-cached.Longest) > loadTolerance {
			return domain.Day(cached.Date), true
		}
	}
	// The window matches. Anything else that changed must be newer than the cache, or older than
	// the window, which only a full rebuild can absorb.
	if Hash(known) != cache.Hash {
		return time.Time{}, false
	}
	return end.AddDate(0, 0, 1), true
}

// CanIncrement reports whether Update can keep the cached prefix before overlap.
func CanIncrement(prev *domain.AnalysisCache, overlap, asOf time.Time) bool {
	if prev == nil || len(prev.Daily) == 0 || len(prev.Thresholds) != len(prev.Daily) {
		return false
	}
	asOf = domain.Day(asOf)
	if asOf.Before(domain.Day(prev.CacheDate)) {
		return false
	}
	overlap = effectiveOverlap(prev, overlap)
	return domain.DaysBetween(prev.Start(), overlap) >= risk.LongestRunLookback
}

func effectiveOverlap(prev *domain.AnalysisCache, overlap time.Time) time.Time {
	next := domain.Day(prev.CacheDate).AddDate(0, 0, 1)
	overlap = domain.Day(overlap)
	if overlap.IsZero() || overlap.After(next) {
		return next
	}
	return overlap
}

// Update produces a new cache for asOf. In Incremental mode the prefix before overlap is taken
// from prev and the remainder is recomputed. Incremental falls back to Full when no usable prefix
// exists. Both modes produce identical results for the same activities.
func Update(prev *domain.AnalysisCache, activities []domain.Activity, overlap time.Time, mode Mode, asOf time.Time) domain.AnalysisCache {
	asOf = domain.Day(asOf)
	activities = domain.SortActivities(activities)

	var s risk.Series
	if mode == Incremental && CanIncrement(prev, overlap, asOf) {
		s = SeriesOf(prev).Rebuild(effectiveOverlap(prev, overlap), activities, asOf)
	} else {
		s = risk.BuildSeries(activities, asOf)
	}
	s = s.Reframe(asOf.AddDate(0, 0, -(RetentionDays - 1)))
	return fill(s, activities, asOf)
}

func fill(s risk.Series, activities []domain.Activity, asOf time.Time) domain.AnalysisCache {
	cache := domain.AnalysisCache{
		CacheDate:    asOf,
		Hash:         Hash(activities),
		Daily:        make([]domain.DailyLoad, s.Len()),
		Thresholds:   make([]domain.DatedValue, s.Len()),
		Assessments:  make(map[string]domain.AcuteChronicAssessment, AssessmentDays),
		ActivityRisk: make(map[string]domain.CombinedRisk),
	}
	for i := range cache.Daily {
		date := s.Date(i)
		cache.Daily[i] = domain.DailyLoad{Date: date, Load: s.Load[i], Capped: s.Capped[i], Longest: s.Longest[i]}
		cache.Thresholds[i] = domain.DatedValue{Date: date, Value: s.Baseline[i]}
	}

	first := asOf.AddDate(0, 0, -(AssessmentDays - 1))
	for d := first; !d.After(asOf); d = d.AddDate(0, 0, 1) {
		acute, chronic, _ := risk.Loads(s, d)
		cache.Acute = append(cache.Acute, domain.DatedValue{Date: d, Value: acute})
		cache.Chronic = append(cache.Chronic, domain.DatedValue{Date: d, Value: chronic})
		cache.Assessments[domain.DateKey(d)] = risk.Evaluate(s, d).Assessment
	}
	for _, a := range activities {
		if d := a.Date(); d.Before(first) || d.After(asOf) {
			continue
		}
		cache.ActivityRisk[a.ID] = risk.AssessActivity(s, a)
	}
	return cache
}

// SeriesOf reconstructs the daily series held by the cache.
func SeriesOf(cache *domain.AnalysisCache) risk.Series {
	if cache == nil || len(cache.Daily) == 0 {
		return risk.Series{}
	}
	s := risk.Series{
		Start:    domain.Day(cache.Daily[0].Date),
		Load:     make([]float64, len(cache.Daily)),
		Longest:  make([]float64, len(cache.Daily)),
		Capped:   make([]float64, len(cache.Daily)),
		Baseline: make([]float64, len(cache.Daily)),
	}
	for i, d := range cache.Daily {
		s.Load[i], s.Longest[i], s.Capped[i] = d.Load, d.Longest, d.Capped
		if i < len(cache.Thresholds) {
			s.Baseline[i] = cache.Thresholds[i].Value
		}
	}
	return s
}

// DeriveForDate projects the cache onto date. Without a cache the projection is the conservative
// empty-history analysis.
func DeriveForDate(cache *domain.AnalysisCache, date time.Time) domain.RunAnalysis {
	if cache == nil || len(cache.Daily) == 0 {
		return risk.Analyze(nil, date)
	}
	return risk.Evaluate(SeriesOf(cache), date)
}

// EvaluateFutureDate evaluates date as if the simulated activities had happened. The cache is
// not modified.
func EvaluateFutureDate(cache *domain.AnalysisCache, simulated []domain.Activity, date time.Time) domain.RunAnalysis {
	date = domain.Day(date)
	s := SeriesOf(cache)
	if s.Len() == 0 {
		s = risk.BuildSeries(nil, date)
	}
	return risk.Evaluate(s.Overlay(simulated, date), date)
}
