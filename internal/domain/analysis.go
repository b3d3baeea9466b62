package domain

import "time"

// LoadTier classifies the acute:chronic workload ratio.
type LoadTier string

const (
	TierUndertraining        LoadTier = "undertraining"
	TierOptimal              LoadTier = "optimal"
	TierModerateOvertraining LoadTier = "moderate_overtraining"
	TierHighOvertraining     LoadTier = "high_overtraining"
)

// SingleRunTier classifies one activity against the smoothed longest-run baseline.
type SingleRunTier string

const (
	SingleRunNone     SingleRunTier = "none"
	SingleRunModerate SingleRunTier = "moderate"
	SingleRunHigh     SingleRunTier = "high"
	SingleRunVeryHigh SingleRunTier = "very_high"
)

// Severity is the user-facing merge of both risk signals. Higher is worse.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityModerate
	SeverityHigh
	SeverityVeryHigh
)

var severityNames = [...]string{"none", "low", "moderate", "high", "very_high"}

func (s Severity) String() string {
	if s < SeverityNone || s > SeverityVeryHigh {
		return "unknown"
	}
	return severityNames[s]
}

// DailyLoad is one day of the rolling load series.
type DailyLoad struct {
	Date    time.Time `json:"date"`
	Load    float64   `json:"load"`
	Capped  float64   `json:"capped"`
	Longest float64   `json:"longest"`
}

// DatedValue is a single point of a derived daily series.
type DatedValue struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// AcuteChronicAssessment is the workload ratio classification for one date.
type AcuteChronicAssessment struct {
	Date    time.Time `json:"date"`
	Ratio   float64   `json:"ratio"`
	Tier    LoadTier  `json:"tier"`
	Message string    `json:"message"`
}

// SingleActivityRiskAssessment compares one run against the runner's longest-run baseline.
type SingleActivityRiskAssessment struct {
	Tier     SingleRunTier `json:"tier"`
	Ratio    float64       `json:"ratio"`
	Baseline float64       `json:"baseline"`
	Message  string        `json:"message"`
}

// CombinedRisk is what gets shown to the runner.
type CombinedRisk struct {
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Color    string   `json:"color"`
}

// RunRange bounds a single day's safe distance.
type RunRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	// Collapsed is set when the computed minimum exceeded the maximum and the range was pinned to Min.
	Collapsed bool `json:"collapsed,omitempty"`
}

// Clamp returns v limited to the range.
func (r RunRange) Clamp(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// RunAnalysis is the projection of the load state on a single date.
type RunAnalysis struct {
	Date               time.Time                     `json:"date"`
	AcuteLoad          float64                       `json:"acute_load"`
	ChronicLoad        float64                       `json:"chronic_load"`
	LongestRunBaseline float64                       `json:"longest_run_baseline"`
	Range              RunRange                      `json:"recommended_range"`
	MaxWeeklyLoad      float64                       `json:"max_weekly_load"`
	Assessment         AcuteChronicAssessment        `json:"assessment"`
	SingleRun          *SingleActivityRiskAssessment `json:"single_run,omitempty"`
	Combined           CombinedRisk                  `json:"combined"`
}

// AnalysisCache holds the rolling window of derived series for one runner.
type AnalysisCache struct {
	CacheDate    time.Time                         `json:"cache_date"`
	Hash         string                            `json:"hash"`
	Daily        []DailyLoad                       `json:"daily"`
	Acute        []DatedValue                      `json:"acute"`
	Chronic      []DatedValue                      `json:"chronic"`
	Thresholds   []DatedValue                      `json:"thresholds"`
	Assessments  map[string]AcuteChronicAssessment `json:"assessments"`
	ActivityRisk map[string]CombinedRisk           `json:"activity_risk"`
}

// Start returns the first retained date, or the zero time for an empty cache.
func (c *AnalysisCache) Start() time.Time {
	if c == nil || len(c.Daily) == 0 {
		return time.Time{}
	}
	return c.Daily[0].Date
}
