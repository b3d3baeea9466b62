package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/trainingload/internal/analysis"
	"example.com/trainingload/internal/domain"
	"example.com/trainingload/internal/persistence/memory"
)

var (
	today     = time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC)
	runnerKey = domain.RunnerKey{TenantID: "tenant-1", RunnerID: "runner-1"}
)

func clock() time.Time {
	return today.Add(10 * time.Hour)
}

func seed(t *testing.T, svc *Service, days int) {
	t.Helper()
	for n := days; n >= 1; n-- {
		d := today.AddDate(0, 0, -n)
		if n%2 == 1 {
			continue
		}
		_, _, err := svc.RecordActivity(context.Background(), runnerKey, domain.Activity{
			ID:             fmt.Sprintf("seed-%02d", n),
			Distance:       float64(5000 + (n%5)*500),
			StartedAt:      d.Add(7 * time.Hour),
			MovingDuration: 30 * time.Minute,
		})
		require.NoError(t, err)
	}
}

func TestRecordActivityValidates(t *testing.T) {
	repo := memory.NewRepository()
	svc := NewService(repo, repo, WithClock(clock))

	_, _, err := svc.RecordActivity(context.Background(), runnerKey, domain.Activity{Distance: -1, StartedAt: today})
	require.ErrorIs(t, err, ErrInvalidActivity)

	_, _, err = svc.RecordActivity(context.Background(), runnerKey, domain.Activity{Distance: 1000})
	require.ErrorIs(t, err, ErrInvalidActivity)

	stored, created, err := svc.RecordActivity(context.Background(), runnerKey, domain.Activity{Distance: 1000, StartedAt: today})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, stored.ID)

	_, created, err = svc.RecordActivity(context.Background(), runnerKey, stored)
	require.NoError(t, err)
	require.False(t, created)
}

func TestRecordActivityKeepsLocalDate(t *testing.T) {
	repo := memory.NewRepository()
	svc := NewService(repo, repo, WithClock(clock))

	est := time.FixedZone("EST", -5*60*60)
	stored, _, err := svc.RecordActivity(context.Background(), runnerKey, domain.Activity{
		ID:        "evening",
		Distance:  8000,
		StartedAt: time.Date(2025, time.October, 31, 21, 0, 0, 0, est),
	})
	require.NoError(t, err)
	require.Equal(t, "2025-10-31", domain.DateKey(stored.Date()))

	history, err := repo.History(context.Background(), runnerKey)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "2025-10-31", domain.DateKey(history[0].Date()))
}

func TestRefreshComputesAndCaches(t *testing.T) {
	repo := memory.NewRepository()
	svc := NewService(repo, repo, WithClock(clock))
	seed(t, svc, 40)

	first, err := svc.Refresh(context.Background(), runnerKey)
	require.NoError(t, err)
	require.Equal(t, analysis.Full.String(), first.Mode)
	require.Len(t, first.Plan.Days, 7)
	require.True(t, first.Plan.StartDate.Equal(today))

	snap, err := repo.LoadSnapshot(context.Background(), runnerKey)
	require.NoError(t, err)
	require.NotNil(t, snap.Cache)
	require.NotNil(t, snap.Override)
	require.NotNil(t, snap.Plan)
	require.Equal(t, first.Plan.Fingerprint(), snap.Plan.Fingerprint())

	second, err := svc.Refresh(context.Background(), runnerKey)
	require.NoError(t, err)
	require.Equal(t, "cached", second.Mode)
	require.Equal(t, first.Plan.Fingerprint(), second.Plan.Fingerprint())
}

func TestRefreshIsIncrementalForNewActivity(t *testing.T) {
	repo := memory.NewRepository()
	svc := NewService(repo, repo, WithClock(clock))
	seed(t, svc, 70)

	_, err := svc.Refresh(context.Background(), runnerKey)
	require.NoError(t, err)

	_, _, err = svc.RecordActivity(context.Background(), runnerKey, domain.Activity{ID: "today", Distance: 7000, StartedAt: today.Add(7 * time.Hour)})
	require.NoError(t, err)

	res, err := svc.Refresh(context.Background(), runnerKey)
	require.NoError(t, err)
	require.Equal(t, analysis.Incremental.String(), res.Mode)

	history, err := repo.History(context.Background(), runnerKey)
	require.NoError(t, err)
	snap, err := repo.LoadSnapshot(context.Background(), runnerKey)
	require.NoError(t, err)
	full := analysis.Update(nil, history, time.Time{}, analysis.Full, today)
	require.Equal(t, full.Hash, snap.Cache.Hash)
	require.Equal(t, full.Daily, snap.Cache.Daily)
}

func TestPlanServesStoredPlanWhenFresh(t *testing.T) {
	repo := memory.NewRepository()
	svc := NewService(repo, repo, WithClock(clock))
	seed(t, svc, 30)

	res, err := svc.Refresh(context.Background(), runnerKey)
	require.NoError(t, err)

	plan, err := svc.Plan(context.Background(), runnerKey)
	require.NoError(t, err)
	require.Equal(t, res.Plan.Fingerprint(), plan.Fingerprint())

	got, err := svc.Analysis(context.Background(), runnerKey)
	require.NoError(t, err)
	require.Equal(t, res.Analysis.Assessment, got.Assessment)
}

func TestUpdatePreferencesRejectsInvalid(t *testing.T) {
	repo := memory.NewRepository()
	svc := NewService(repo, repo, WithClock(clock))

	mondayOnly := domain.UserPreferences{
		MaxRunsPerWeek:  3,
		ForbiddenDays:   []time.Weekday{time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday},
		ProgressionRate: domain.ProgressionRetain,
	}
	_, err := svc.UpdatePreferences(context.Background(), runnerKey, mondayOnly)
	require.ErrorIs(t, err, domain.ErrInvalidPreferences)

	stored, err := repo.GetPreferences(context.Background(), runnerKey)
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestUpdatePreferencesRegeneratesPlan(t *testing.T) {
	repo := memory.NewRepository()
	svc := NewService(repo, repo, WithClock(clock))
	seed(t, svc, 30)

	prefs := domain.UserPreferences{
		MaxRunsPerWeek:       4,
		PreferredLongRunDays: []time.Weekday{time.Saturday},
		ProgressionRate:      domain.ProgressionSlow,
	}
	plan, err := svc.UpdatePreferences(context.Background(), runnerKey, prefs)
	require.NoError(t, err)
	require.Equal(t, domain.RunLong, plan.Structure[time.Saturday])
	require.True(t, plan.Preferences.SameSchedule(prefs))
}

// gatedSnapshots blocks the first LoadSnapshot until released or cancelled.
type gatedSnapshots struct {
	*memory.Repository
	started chan struct{}
	release chan struct{}
	once    sync.Once
	saves   atomic.Int32
}

func newGatedSnapshots(repo *memory.Repository) *gatedSnapshots {
	return &gatedSnapshots{Repository: repo, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSnapshots) LoadSnapshot(ctx context.Context, key domain.RunnerKey) (domain.Snapshot, error) {
	first := false
	g.once.Do(func() {
		first = true
		close(g.started)
	})
	if first {
		select {
		case <-g.release:
		case <-ctx.Done():
			return domain.Snapshot{}, ctx.Err()
		}
	}
	return g.Repository.LoadSnapshot(ctx, key)
}

func (g *gatedSnapshots) SaveSnapshot(ctx context.Context, key domain.RunnerKey, snap domain.Snapshot) error {
	g.saves.Add(1)
	return g.Repository.SaveSnapshot(ctx, key, snap)
}

func TestConcurrentRefreshesCoalesce(t *testing.T) {
	repo := memory.NewRepository()
	gated := newGatedSnapshots(repo)
	svc := NewService(repo, gated, WithClock(clock))
	seed(t, svc, 30)

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Refresh(context.Background(), runnerKey)
			errs <- err
		}()
	}

	<-gated.started
	time.Sleep(50 * time.Millisecond)
	close(gated.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), gated.saves.Load())
}

func TestNewerInputCancelsStaleRefresh(t *testing.T) {
	repo := memory.NewRepository()
	gated := newGatedSnapshots(repo)
	svc := NewService(repo, gated, WithClock(clock))
	seed(t, svc, 30)

	staleErr := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(context.Background(), runnerKey)
		staleErr <- err
	}()
	<-gated.started

	_, _, err := svc.RecordActivity(context.Background(), runnerKey, domain.Activity{ID: "late", Distance: 6000, StartedAt: today.Add(6 * time.Hour)})
	require.NoError(t, err)
	fresh, err := svc.Refresh(context.Background(), runnerKey)
	require.NoError(t, err)

	err = <-staleErr
	require.ErrorIs(t, err, ErrSuperseded)
	require.False(t, errors.Is(err, context.Canceled))

	snap, err := repo.LoadSnapshot(context.Background(), runnerKey)
	require.NoError(t, err)
	require.Equal(t, fresh.Plan.HistoryHash, snap.Plan.HistoryHash)
	require.Equal(t, int32(1), gated.saves.Load())
}

func TestCommitRejectsSupersededGeneration(t *testing.T) {
	repo := memory.NewRepository()
	svc := NewService(repo, repo, WithClock(clock))

	_, oldGen, doneOld := svc.begin(runnerKey)
	_, newGen, doneNew := svc.begin(runnerKey)
	defer doneOld()
	defer doneNew()

	err := svc.commit(context.Background(), runnerKey, oldGen, domain.Snapshot{})
	require.ErrorIs(t, err, ErrSuperseded)
	require.NoError(t, svc.commit(context.Background(), runnerKey, newGen, domain.Snapshot{}))
}

func TestCallerCancellationReturnsEarly(t *testing.T) {
	repo := memory.NewRepository()
	gated := newGatedSnapshots(repo)
	svc := NewService(repo, gated, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(ctx, runnerKey)
		done <- err
	}()
	<-gated.started
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	close(gated.release)
}

// gatedPreferences blocks the first GetPreferences after it has read the stored value.
type gatedPreferences struct {
	*memory.Repository
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedPreferences) GetPreferences(ctx context.Context, key domain.RunnerKey) (*domain.UserPreferences, error) {
	prefs, err := g.Repository.GetPreferences(ctx, key)
	first := false
	g.once.Do(func() {
		first = true
		close(g.started)
	})
	if first {
		<-g.release
	}
	return prefs, err
}

func TestUpdatePreferencesWinsOverRefreshWithOldPreferences(t *testing.T) {
	repo := memory.NewRepository()
	gated := &gatedPreferences{Repository: repo, started: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(repo, gated, WithClock(clock))
	seed(t, svc, 30)

	staleErr := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(context.Background(), runnerKey)
		staleErr <- err
	}()
	<-gated.started

	prefs := domain.UserPreferences{
		MaxRunsPerWeek:       2,
		PreferredLongRunDays: []time.Weekday{time.Tuesday},
		ProgressionRate:      domain.ProgressionRetain,
	}
	updated, err := svc.UpdatePreferences(context.Background(), runnerKey, prefs)
	require.NoError(t, err)
	require.Equal(t, domain.RunLong, updated.Structure[time.Tuesday])
	require.Equal(t, prefs.Fingerprint(), updated.Preferences.Fingerprint())

	close(gated.release)
	require.ErrorIs(t, <-staleErr, ErrSuperseded)

	plan, err := svc.Plan(context.Background(), runnerKey)
	require.NoError(t, err)
	require.Equal(t, prefs.Fingerprint(), plan.Preferences.Fingerprint())
	require.Equal(t, updated.Fingerprint(), plan.Fingerprint())
}

func TestUpdatePreferencesSupersedesInFlightRefresh(t *testing.T) {
	repo := memory.NewRepository()
	gated := newGatedSnapshots(repo)
	svc := NewService(repo, gated, WithClock(clock))
	seed(t, svc, 30)

	staleErr := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(context.Background(), runnerKey)
		staleErr <- err
	}()
	<-gated.started

	prefs := domain.UserPreferences{
		MaxRunsPerWeek:       2,
		PreferredLongRunDays: []time.Weekday{time.Tuesday},
		ProgressionRate:      domain.ProgressionRetain,
	}
	updated, err := svc.UpdatePreferences(context.Background(), runnerKey, prefs)
	require.NoError(t, err)
	require.ErrorIs(t, <-staleErr, ErrSuperseded)

	snap, err := repo.LoadSnapshot(context.Background(), runnerKey)
	require.NoError(t, err)
	require.Equal(t, updated.Fingerprint(), snap.Plan.Fingerprint())
	require.Equal(t, prefs.Fingerprint(), snap.Plan.Preferences.Fingerprint())
	require.Equal(t, int32(1), gated.saves.Load())
}
