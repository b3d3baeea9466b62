package main

import (
	"math"

	"github.com/spf13/cobra"

	"example.com/trainingload/internal/domain"
)

type analysisReport struct {
	Date            string  `yaml:"date" json:"date"`
	Mode            string  `yaml:"mode" json:"mode"`
	AcuteLoad       float64 `yaml:"acute_load_m" json:"acute_load_m"`
	ChronicLoad     float64 `yaml:"chronic_load_m" json:"chronic_load_m"`
	Ratio           float64 `yaml:"acwr" json:"acwr"`
	Tier            string  `yaml:"tier" json:"tier"`
	Risk            string  `yaml:"risk" json:"risk"`
	Message         string  `yaml:"message" json:"message"`
	RangeMin        float64 `yaml:"recommended_min_m" json:"recommended_min_m"`
	RangeMax        float64 `yaml:"recommended_max_m" json:"recommended_max_m"`
	MaxWeeklyLoad   float64 `yaml:"max_weekly_load_m" json:"max_weekly_load_m"`
	Override        string  `yaml:"override" json:"override"`
	OverrideStarted string  `yaml:"override_started,omitempty" json:"override_started,omitempty"`
}

type planReport struct {
	StartDate    string      `yaml:"start_date" json:"start_date"`
	Phase        string      `yaml:"phase" json:"phase"`
	Progression  string      `yaml:"progression" json:"progression"`
	TargetVolume float64     `yaml:"target_volume_m" json:"target_volume_m"`
	Total        float64     `yaml:"total_m" json:"total_m"`
	Days         []dayReport `yaml:"days" json:"days"`
}

type dayReport struct {
	Date     string  `yaml:"date" json:"date"`
	Weekday  string  `yaml:"weekday" json:"weekday"`
	RunType  string  `yaml:"run_type" json:"run_type"`
	Distance float64 `yaml:"distance_m" json:"distance_m"`
}

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Print the load analysis and risk override for the evaluation date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.refresh(cmd.Context())
			if err != nil {
				return err
			}
			a := res.Analysis
			report := analysisReport{
				Date:          domain.DateKey(a.Date),
				Mode:          res.Mode,
				AcuteLoad:     round(a.AcuteLoad),
				ChronicLoad:   round(a.ChronicLoad),
				Ratio:         a.Assessment.Ratio,
				Tier:          string(a.Assessment.Tier),
				Risk:          a.Combined.Title,
				Message:       a.Combined.Message,
				RangeMin:      round(a.Range.Min),
				RangeMax:      round(a.Range.Max),
				MaxWeeklyLoad: round(a.MaxWeeklyLoad),
				Override:      string(res.Override.Phase.Normalize()),
			}
			if res.Override.Active() {
				report.OverrideStarted = domain.DateKey(res.Override.StartDate)
			}
			return render(cmd.OutOrStdout(), opts.output, report)
		},
	}
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the 7-day plan starting at the evaluation date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.refresh(cmd.Context())
			if err != nil {
				return err
			}
			p := res.Plan
			report := planReport{
				StartDate:    domain.DateKey(p.StartDate),
				Phase:        string(p.ActivePhase.Normalize()),
				Progression:  string(p.ProgressionRate),
				TargetVolume: round(p.TargetVolume),
				Total:        round(p.TotalDistance()),
			}
			for _, d := range p.Days {
				report.Days = append(report.Days, dayReport{
					Date:     domain.DateKey(d.Date),
					Weekday:  d.Weekday.String(),
					RunType:  string(d.RunType),
					Distance: round(d.Distance),
				})
			}
			return render(cmd.OutOrStdout(), opts.output, report)
		},
	}
}

func round(v float64) float64 {
	return math.Round(v)
}
