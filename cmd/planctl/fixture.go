package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"example.com/trainingload/internal/domain"
	"example.com/trainingload/internal/persistence/memory"
	"example.com/trainingload/internal/training"
)

var fixtureKey = domain.RunnerKey{TenantID: "local", RunnerID: "fixture"}

// fixture is the on-disk description of a runner.
type fixture struct {
	Today       string            `yaml:"today"`
	Preferences *fixturePrefs     `yaml:"preferences"`
	Activities  []domain.Activity `yaml:"activities"`
}

type fixturePrefs struct {
	MaxRunsPerWeek       int      `yaml:"max_runs_per_week"`
	PreferredLongRunDays []string `yaml:"preferred_long_run_days"`
	ForbiddenDays        []string `yaml:"forbidden_days"`
	ProgressionRate      string   `yaml:"progression_rate"`
}

func loadFixture(path string) (fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fixture{}, fmt.Errorf("read fixture: %w", err)
	}
	var f fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fixture{}, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return f, nil
}

func (p fixturePrefs) toDomain() (domain.UserPreferences, error) {
	prefs := domain.UserPreferences{
		MaxRunsPerWeek:  p.MaxRunsPerWeek,
		ProgressionRate: domain.ProgressionRate(strings.ToLower(p.ProgressionRate)),
	}
	if prefs.ProgressionRate == "" {
		prefs.ProgressionRate = domain.ProgressionRetain
	}
	var err error
	if prefs.PreferredLongRunDays, err = parseWeekdays(p.PreferredLongRunDays); err != nil {
		return prefs, err
	}
	if prefs.ForbiddenDays, err = parseWeekdays(p.ForbiddenDays); err != nil {
		return prefs, err
	}
	return prefs, nil
}

func parseWeekdays(names []string) ([]time.Weekday, error) {
	var out []time.Weekday
	for _, name := range names {
		day, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", name)
		}
		out = append(out, day)
	}
	return out, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// evaluationDate resolves the flag, then the fixture, then the wall clock.
func (o *rootOptions) evaluationDate(f fixture) (time.Time, error) {
	raw := o.today
	if raw == "" {
		raw = f.Today
	}
	if raw == "" {
		return domain.Day(time.Now()), nil
	}
	day, err := time.Parse(domain.DateKeyLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", raw, err)
	}
	return day, nil
}

// refresh loads the fixture into an in-memory store and runs one refresh for it.
func (o *rootOptions) refresh(ctx context.Context) (training.Result, error) {
	f, err := loadFixture(o.fixture)
	if err != nil {
		return training.Result{}, err
	}
	today, err := o.evaluationDate(f)
	if err != nil {
		return training.Result{}, err
	}

	repo := memory.NewRepository()
	svc := training.NewService(repo, repo,
		training.WithLogger(o.logger()),
		training.WithClock(func() time.Time { return today.Add(12 * time.Hour) }),
	)
	for i, a := range f.Activities {
		if a.ID == "" {
			a.ID = fmt.Sprintf("fixture-%04d", i)
		}
		if _, _, err := svc.RecordActivity(ctx, fixtureKey, a); err != nil {
			return training.Result{}, fmt.Errorf("activity %d: %w", i, err)
		}
	}
	if f.Preferences != nil {
		prefs, err := f.Preferences.toDomain()
		if err != nil {
			return training.Result{}, err
		}
		if err := prefs.Validate(); err != nil {
			return training.Result{}, err
		}
		if err := repo.SavePreferences(ctx, fixtureKey, prefs); err != nil {
			return training.Result{}, err
		}
	}
	return svc.Refresh(ctx, fixtureKey)
}
