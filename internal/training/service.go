// Package training coordinates activity ingestion with the analysis, override and planning core.
// It guarantees at most one recompute per runner at a time.
package training

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"example.com/trainingload/internal/analysis"
	"example.com/trainingload/internal/domain"
	"example.com/trainingload/internal/observability"
	"example.com/trainingload/internal/override"
	"example.com/trainingload/internal/planner"
)

var (
	// ErrSuperseded is returned by a refresh that was overtaken by a refresh with newer input.
	ErrSuperseded = errors.New("refresh superseded by newer input")
	// ErrInvalidActivity marks activities rejected before persistence.
	ErrInvalidActivity = errors.New("invalid activity")
)

const defaultRefreshTimeout = 30 * time.Second

// Result is the outcome of a refresh.
type Result struct {
	Analysis domain.RunAnalysis
	Override domain.RiskOverride
	Plan     domain.WeeklyTrainingPlan
	// Mode is full, incremental or cached.
	Mode string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used to determine today.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRefreshTimeout bounds a single recompute.
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Service orchestrates refreshes of a runner's derived state.
type Service struct {
	activities domain.ActivityRepository
	snapshots  domain.SnapshotRepository
	generator  *planner.Generator
	logger     *zap.SugaredLogger
	now        func() time.Time
	timeout    time.Duration

	group   singleflight.Group
	mu      sync.Mutex
	runners map[string]*runner
}

// runner tracks the in-flight refresh of one runner.
type runner struct {
	commit sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// NewService constructs a Service.
func NewService(activities domain.ActivityRepository, snapshots domain.SnapshotRepository, opts ...Option) *Service {
	s := &Service{
		activities: activities,
		snapshots:  snapshots,
		logger:     zap.NewNop().Sugar(),
		now:        time.Now,
		timeout:    defaultRefreshTimeout,
		runners:    make(map[string]*runner),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.generator = planner.New(planner.WithLogger(s.logger))
	return s
}

// RecordActivity validates and stores an activity. Replaying a known ID reports created=false.
func (s *Service) RecordActivity(ctx context.Context, key domain.RunnerKey, activity domain.Activity) (domain.Activity, bool, error) {
	if activity.Distance < 0 {
		return domain.Activity{}, false, fmt.Errorf("%w: distance must not be negative", ErrInvalidActivity)
	}
	if activity.StartedAt.IsZero() {
		return domain.Activity{}, false, fmt.Errorf("%w: started_at is required", ErrInvalidActivity)
	}
	if strings.TrimSpace(activity.ID) == "" {
		activity.ID = uuid.NewString()
	}

	created, err := s.activities.Create(ctx, key, activity)
	if err != nil {
		return domain.Activity{}, false, err
	}
	if created {
		observability.RecordActivityPersisted(s.now())
	}
	return activity, created, nil
}

// ListActivities pages through a runner's activities newest first.
func (s *Service) ListActivities(ctx context.Context, key domain.RunnerKey, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	return s.activities.ListByRunner(ctx, key, cursor, limit)
}

// Analysis returns today's risk projection, refreshing first when the cache is stale.
func (s *Service) Analysis(ctx context.Context, key domain.RunnerKey) (domain.RunAnalysis, error) {
	history, snap, err := s.load(ctx, key)
	if err != nil {
		return domain.RunAnalysis{}, err
	}
	today := s.today()
	if !analysis.IsStale(snap.Cache, history, today) {
		return analysis.DeriveForDate(snap.Cache, today), nil
	}
	res, err := s.refresh(ctx, key, history)
	if err != nil {
		return domain.RunAnalysis{}, err
	}
	return res.Analysis, nil
}

// Plan returns the current weekly plan, regenerating it when it no longer matches the history or
// the calendar.
func (s *Service) Plan(ctx context.Context, key domain.RunnerKey) (domain.WeeklyTrainingPlan, error) {
	history, snap, err := s.load(ctx, key)
	if err != nil {
		return domain.WeeklyTrainingPlan{}, err
	}
	prefs, err := s.Preferences(ctx, key)
	if err != nil {
		return domain.WeeklyTrainingPlan{}, fmt.Errorf("load preferences: %w", err)
	}
	today := s.today()
	if p := snap.Plan; p != nil && p.StartDate.Equal(today) && p.HistoryHash == analysis.Hash(history) &&
		p.Preferences.Fingerprint() == prefs.Fingerprint() && !analysis.IsStale(snap.Cache, history, today) {
		return *p, nil
	}
	res, err := s.refresh(ctx, key, history)
	if err != nil {
		return domain.WeeklyTrainingPlan{}, err
	}
	return res.Plan, nil
}

// Preferences returns the runner's saved preferences or the defaults.
func (s *Service) Preferences(ctx context.Context, key domain.RunnerKey) (domain.UserPreferences, error) {
	prefs, err := s.snapshots.GetPreferences(ctx, key)
	if err != nil {
		return domain.UserPreferences{}, err
	}
	if prefs == nil {
		return domain.DefaultPreferences(), nil
	}
	return *prefs, nil
}

// UpdatePreferences validates and stores preferences, then regenerates the plan.
func (s *Service) UpdatePreferences(ctx context.Context, key domain.RunnerKey, prefs domain.UserPreferences) (domain.WeeklyTrainingPlan, error) {
	if err := prefs.Validate(); err != nil {
		return domain.WeeklyTrainingPlan{}, err
	}
	if err := s.snapshots.SavePreferences(ctx, key, prefs); err != nil {
		return domain.WeeklyTrainingPlan{}, err
	}
	res, err := s.Refresh(ctx, key)
	if err != nil {
		return domain.WeeklyTrainingPlan{}, err
	}
	return res.Plan, nil
}

// Refresh recomputes the runner's analysis, override and plan. Concurrent refreshes over the same
// history and preferences share one run; a refresh over newer input cancels the older run, which
// then fails with ErrSuperseded.
func (s *Service) Refresh(ctx context.Context, key domain.RunnerKey) (Result, error) {
	history, err := s.activities.History(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("load history: %w", err)
	}
	return s.refresh(ctx, key, history)
}

func (s *Service) refresh(ctx context.Context, key domain.RunnerKey, history []domain.Activity) (Result, error) {
	prefs, err := s.Preferences(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("load preferences: %w", err)
	}
	flight := key.String() + "/" + analysis.Hash(history) + "/" + prefs.Fingerprint()
	ch := s.group.DoChan(flight, func() (any, error) {
		runCtx, gen, done := s.begin(key)
		defer done()
		res, err := s.recompute(runCtx, key, gen, history, prefs)
		// Only a newer run cancels runCtx; its own deadline surfaces as DeadlineExceeded.
		if errors.Is(err, context.Canceled) {
			return res, fmt.Errorf("refresh %s: %w", key, ErrSuperseded)
		}
		return res, err
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}
}

// begin registers a new run for key, cancelling the run it supersedes.
func (s *Service) begin(key domain.RunnerKey) (context.Context, uint64, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runners[key.String()]
	if !ok {
		r = &runner{}
		s.runners[key.String()] = r
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.gen++
	gen := r.gen
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	r.cancel = cancel

	return ctx, gen, func() {
		cancel()
		s.mu.Lock()
		defer s.mu.Unlock()
		if r.gen == gen {
			r.cancel = nil
		}
	}
}

func (s *Service) current(key domain.RunnerKey) (*runner, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runners[key.String()]
	if r == nil {
		return nil, 0
	}
	return r, r.gen
}

func (s *Service) recompute(ctx context.Context, key domain.RunnerKey, gen uint64, history []domain.Activity, prefs domain.UserPreferences) (res Result, err error) {
	start := time.Now()
	res.Mode = "cached"
	defer func() {
		outcome := "ok"
		switch {
		case errors.Is(err, ErrSuperseded) || errors.Is(err, context.Canceled):
			outcome = "superseded"
		case err != nil:
			outcome = "error"
		}
		observability.RecordRefresh(res.Mode, outcome, time.Since(start))
	}()

	current, err := s.Preferences(ctx, key)
	if err != nil {
		return res, fmt.Errorf("load preferences: %w", err)
	}
	if current.Fingerprint() != prefs.Fingerprint() {
		return res, fmt.Errorf("refresh %s: preferences changed: %w", key, ErrSuperseded)
	}

	today := s.today()
	snap, err := s.snapshots.LoadSnapshot(ctx, key)
	if err != nil {
		return res, fmt.Errorf("load snapshot: %w", err)
	}

	cache := snap.Cache
	if analysis.IsStale(cache, history, today) {
		observability.RecordStaleCache()
		mode := analysis.Full
		overlap, ok := analysis.DetectOverlap(cache, history)
		if ok && analysis.CanIncrement(cache, overlap, today) {
			mode = analysis.Incremental
		}
		updated := analysis.Update(cache, history, overlap, mode, today)
		cache = &updated
		res.Mode = mode.String()
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("refresh %s: %w", key, err)
	}

	res.Analysis = analysis.DeriveForDate(cache, today)
	if res.Analysis.Range.Collapsed {
		s.logger.Warnw("recommended range collapsed, keeping minimum",
			"runner", key.String(),
			"date", domain.DateKey(today),
			"min", res.Analysis.Range.Min,
		)
	}

	state := domain.OverrideState{Current: domain.NoOverride(), Previous: domain.NoOverride()}
	if snap.Override != nil {
		state = *snap.Override
	}
	before := state.Current.Phase.Normalize()
	state, err = override.Replay(state, cache, today)
	if err != nil {
		return res, fmt.Errorf("advance override: %w", err)
	}
	res.Override = state.Current
	if after := state.Current.Phase.Normalize(); after != before {
		observability.RecordOverrideTransition(string(before), string(after))
		s.logger.Infow("risk override changed", "runner", key.String(), "from", before, "to", after)
	}

	if err := prefs.Validate(); err != nil {
		return res, err
	}

	res.Plan, err = s.generator.Generate(ctx, planner.Input{
		Today:       today,
		Preferences: prefs,
		Pattern:     planner.DetectPattern(history, today),
		Recent:      res.Analysis,
		Override:    state.Current,
		Previous:    snap.Plan,
		History:     history,
		Cache:       cache,
	})
	if err != nil {
		return res, err
	}
	observability.RecordPlanIterations(res.Plan.Iterations)

	plan := res.Plan
	if err := s.commit(ctx, key, gen, domain.Snapshot{Cache: cache, Override: &state, Plan: &plan}); err != nil {
		return res, err
	}
	s.logger.Debugw("refresh committed",
		"runner", key.String(),
		"mode", res.Mode,
		"phase", state.Current.Phase,
		"iterations", plan.Iterations,
	)
	return res, nil
}

// commit saves the snapshot unless a newer run has started since gen.
func (s *Service) commit(ctx context.Context, key domain.RunnerKey, gen uint64, snap domain.Snapshot) error {
	r, _ := s.current(key)
	if r == nil {
		return ErrSuperseded
	}
	r.commit.Lock()
	defer r.commit.Unlock()

	if _, latest := s.current(key); latest != gen {
		return fmt.Errorf("refresh %s: %w", key, ErrSuperseded)
	}
	if err := s.snapshots.SaveSnapshot(ctx, key, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, key domain.RunnerKey) ([]domain.Activity, domain.Snapshot, error) {
	history, err := s.activities.History(ctx, key)
	if err != nil {
		return nil, domain.Snapshot{}, fmt.Errorf("load history: %w", err)
	}
	snap, err := s.snapshots.LoadSnapshot(ctx, key)
	if err != nil {
		return nil, domain.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return history, snap, nil
}

func (s *Service) today() time.Time {
	return domain.Day(s.now())
}
