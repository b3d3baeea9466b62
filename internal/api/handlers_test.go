package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"example.com/trainingload/internal/auth"
	"example.com/trainingload/internal/domain"
	"example.com/trainingload/internal/persistence/memory"
	"example.com/trainingload/internal/training"
)

var today = time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	repo := memory.NewRepository()
	svc := training.NewService(repo, repo, training.WithClock(func() time.Time { return today.Add(8 * time.Hour) }))
	mux := http.NewServeMux()
	NewHandler(svc, zaptest.NewLogger(t).Sugar()).RegisterRoutes(mux)
	return mux
}

func do(t *testing.T, mux http.Handler, method, target string, body any, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if scopes != nil {
		claims := &auth.Claims{
			Subject:   "runner-1",
			TenantID:  "tenant-1",
			Scopes:    map[string]struct{}{},
			ExpiresAt: time.Now().Add(time.Hour),
		}
		for _, s := range scopes {
			claims.Scopes[s] = struct{}{}
		}
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestCreateAndListActivities(t *testing.T) {
	mux := newTestMux(t)

	for i := range 3 {
		rr := do(t, mux, http.MethodPost, "/v1/activities", CreateActivityRequest{
			ActivityID:    fmt.Sprintf("act-%d", i),
			DistanceM:     6000,
			StartedAt:     today.AddDate(0, 0, -i-1).Add(7 * time.Hour),
			MovingSeconds: 1800,
		}, auth.ScopeTrainingWrite)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	}

	rr := do(t, mux, http.MethodPost, "/v1/activities", CreateActivityRequest{
		ActivityID: "act-0",
		DistanceM:  6000,
		StartedAt:  today.AddDate(0, 0, -1).Add(7 * time.Hour),
	}, auth.ScopeTrainingWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	var created CreateActivityResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.True(t, created.Replay)

	rr = do(t, mux, http.MethodGet, "/v1/activities?limit=2", nil, auth.ScopeTrainingRead)
	require.Equal(t, http.StatusOK, rr.Code)
	var page ListActivitiesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Items, 2)
	require.Equal(t, "act-0", page.Items[0].ActivityID)
	require.Equal(t, int64(1800), page.Items[0].MovingSeconds)
	require.NotEmpty(t, page.NextCursor)

	rr = do(t, mux, http.MethodGet, "/v1/activities?cursor="+page.NextCursor, nil, auth.ScopeTrainingRead)
	require.Equal(t, http.StatusOK, rr.Code)
	page = ListActivitiesResponse{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	require.Equal(t, "act-2", page.Items[0].ActivityID)
	require.Empty(t, page.NextCursor)
}

func TestCreateActivityValidation(t *testing.T) {
	mux := newTestMux(t)

	rr := do(t, mux, http.MethodPost, "/v1/activities", CreateActivityRequest{DistanceM: -5, StartedAt: today}, auth.ScopeTrainingWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, mux, http.MethodGet, "/v1/activities?cursor=!!!", nil, auth.ScopeTrainingRead)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestScopesAreEnforced(t *testing.T) {
	mux := newTestMux(t)

	rr := do(t, mux, http.MethodGet, "/v1/plan", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, mux, http.MethodPost, "/v1/plan/refresh", nil, auth.ScopeTrainingRead)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, mux, http.MethodDelete, "/v1/plan", nil, auth.ScopeTrainingWrite)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestPlanAndAnalysisForNewRunner(t *testing.T) {
	mux := newTestMux(t)

	rr := do(t, mux, http.MethodGet, "/v1/plan", nil, auth.ScopeTrainingRead)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var plan PlanView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &plan))
	require.Equal(t, "2025-11-01", plan.StartDate)
	require.Len(t, plan.Days, 7)
	require.NotEmpty(t, plan.Fingerprint)

	rr = do(t, mux, http.MethodGet, "/v1/analysis", nil, auth.ScopeTrainingRead)
	require.Equal(t, http.StatusOK, rr.Code)
	var analysis domain.RunAnalysis
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &analysis))
	require.True(t, analysis.Date.Equal(today))

	rr = do(t, mux, http.MethodPost, "/v1/plan/refresh", nil, auth.ScopeTrainingWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	var refreshed RefreshResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &refreshed))
	require.Equal(t, "cached", refreshed.Mode)
	require.Equal(t, plan.Fingerprint, refreshed.Plan.Fingerprint)
}

func TestPreferencesRoundTrip(t *testing.T) {
	mux := newTestMux(t)

	rr := do(t, mux, http.MethodGet, "/v1/preferences", nil, auth.ScopeTrainingRead)
	require.Equal(t, http.StatusOK, rr.Code)
	var prefs domain.UserPreferences
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &prefs))
	require.Equal(t, domain.DefaultPreferences().MaxRunsPerWeek, prefs.MaxRunsPerWeek)

	invalid := domain.UserPreferences{MaxRunsPerWeek: 9, ProgressionRate: domain.ProgressionRetain}
	rr = do(t, mux, http.MethodPut, "/v1/preferences", invalid, auth.ScopeTrainingWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	update := domain.UserPreferences{
		MaxRunsPerWeek:       3,
		PreferredLongRunDays: []time.Weekday{time.Sunday},
		ForbiddenDays:        []time.Weekday{time.Monday},
		ProgressionRate:      domain.ProgressionSlow,
	}
	rr = do(t, mux, http.MethodPut, "/v1/preferences", update, auth.ScopeTrainingWrite)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var plan PlanView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &plan))
	for _, day := range plan.Days {
		if day.Weekday == time.Monday.String() {
			require.Equal(t, domain.RunRest, day.RunType)
		}
	}

	rr = do(t, mux, http.MethodGet, "/v1/preferences", nil, auth.ScopeTrainingRead)
	require.Equal(t, http.StatusOK, rr.Code)
	prefs = domain.UserPreferences{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &prefs))
	require.Equal(t, update, prefs)
}

func TestHealthz(t *testing.T) {
	rr := do(t, newTestMux(t), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}
