// Package api exposes HTTP handlers for the training-load service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"example.com/trainingload/internal/auth"
	"example.com/trainingload/internal/domain"
	"example.com/trainingload/internal/persistence"
	"example.com/trainingload/internal/training"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Handler coordinates HTTP requests with the training service.
type Handler struct {
	service *training.Service
	logger  *zap.SugaredLogger
}

// NewHandler builds a Handler.
func NewHandler(service *training.Service, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/activities", h.activities)
	mux.HandleFunc("/v1/analysis", h.analysis)
	mux.HandleFunc("/v1/plan", h.plan)
	mux.HandleFunc("/v1/plan/refresh", h.refresh)
	mux.HandleFunc("/v1/preferences", h.preferences)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) activities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createActivity(w, r)
	case http.MethodGet:
		h.listActivities(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) createActivity(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, auth.ScopeTrainingWrite)
	if !ok {
		return
	}

	var req CreateActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	activity, created, err := h.service.RecordActivity(r.Context(), key, domain.Activity{
		ID:             req.ActivityID,
		Distance:       req.DistanceM,
		StartedAt:      req.StartedAt,
		MovingDuration: time.Duration(req.MovingSeconds) * time.Second,
	})
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, CreateActivityResponse{ActivityID: activity.ID, Replay: !created})
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, auth.ScopeTrainingRead, auth.ScopeTrainingWrite)
	if !ok {
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxPageSize)
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	activities, next, err := h.service.ListActivities(r.Context(), key, cursor, limit)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	items := make([]ActivityView, 0, len(activities))
	for _, a := range activities {
		items = append(items, toActivityView(a))
	}
	writeJSON(w, http.StatusOK, ListActivitiesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) analysis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	key, ok := authorize(w, r, auth.ScopeTrainingRead, auth.ScopeTrainingWrite)
	if !ok {
		return
	}

	result, err := h.service.Analysis(r.Context(), key)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) plan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	key, ok := authorize(w, r, auth.ScopeTrainingRead, auth.ScopeTrainingWrite)
	if !ok {
		return
	}

	plan, err := h.service.Plan(r.Context(), key)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanView(plan))
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	key, ok := authorize(w, r, auth.ScopeTrainingWrite)
	if !ok {
		return
	}

	res, err := h.service.Refresh(r.Context(), key)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{
		Mode:     res.Mode,
		Analysis: res.Analysis,
		Override: res.Override,
		Plan:     toPlanView(res.Plan),
	})
}

func (h *Handler) preferences(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		key, ok := authorize(w, r, auth.ScopeTrainingRead, auth.ScopeTrainingWrite)
		if !ok {
			return
		}
		prefs, err := h.service.Preferences(r.Context(), key)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, prefs)
	case http.MethodPut:
		key, ok := authorize(w, r, auth.ScopeTrainingWrite)
		if !ok {
			return
		}
		var prefs domain.UserPreferences
		if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
			return
		}
		plan, err := h.service.UpdatePreferences(r.Context(), key, prefs)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toPlanView(plan))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

// authorize resolves the caller's runner key and checks that it holds one of scopes.
func authorize(w http.ResponseWriter, r *http.Request, scopes ...string) (domain.RunnerKey, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return domain.RunnerKey{}, false
	}
	if !claims.HasAny(scopes...) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
		return domain.RunnerKey{}, false
	}
	return domain.RunnerKey{TenantID: claims.TenantID, RunnerID: claims.Subject}, true
}

func (h *Handler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, training.ErrInvalidActivity), errors.Is(err, domain.ErrInvalidPreferences):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, training.ErrSuperseded):
		writeError(w, http.StatusConflict, "superseded", "a newer refresh is in progress")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "timeout", "refresh timed out")
	case errors.Is(err, context.Canceled):
		h.logger.Debugw("request cancelled", "path", r.URL.Path)
	default:
		h.logger.Errorw("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// CreateActivityRequest is the payload for POST /v1/activities.
type CreateActivityRequest struct {
	ActivityID    string    `json:"activity_id"`
	DistanceM     float64   `json:"distance_m"`
	StartedAt     time.Time `json:"started_at"`
	MovingSeconds int64     `json:"moving_seconds"`
}

// CreateActivityResponse describes the response body for create.
type CreateActivityResponse struct {
	ActivityID string `json:"activity_id"`
	Replay     bool   `json:"idempotent_replay"`
}

// ActivityView exposes a stored activity.
type ActivityView struct {
	ActivityID    string    `json:"activity_id"`
	DistanceM     float64   `json:"distance_m"`
	StartedAt     time.Time `json:"started_at"`
	MovingSeconds int64     `json:"moving_seconds"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// PlannedDayView is one day of a weekly plan.
type PlannedDayView struct {
	Date      string         `json:"date"`
	Weekday   string         `json:"weekday"`
	RunType   domain.RunType `json:"run_type"`
	DistanceM float64        `json:"distance_m"`
}

// PlanView exposes a weekly plan.
type PlanView struct {
	StartDate       string                 `json:"start_date"`
	ActivePhase     domain.Phase           `json:"active_phase,omitempty"`
	ProgressionRate domain.ProgressionRate `json:"progression_rate"`
	TargetVolumeM   float64                `json:"target_volume_m"`
	TotalDistanceM  float64                `json:"total_distance_m"`
	Fingerprint     string                 `json:"fingerprint"`
	Days            []PlannedDayView       `json:"days"`
}

// RefreshResponse is returned by POST /v1/plan/refresh.
type RefreshResponse struct {
	Mode     string              `json:"mode"`
	Analysis domain.RunAnalysis  `json:"analysis"`
	Override domain.RiskOverride `json:"override"`
	Plan     PlanView            `json:"plan"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"type":   code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toActivityView(a domain.Activity) ActivityView {
	return ActivityView{
		ActivityID:    a.ID,
		DistanceM:     a.Distance,
		StartedAt:     a.StartedAt,
		MovingSeconds: int64(a.MovingDuration / time.Second),
	}
}

func toPlanView(p domain.WeeklyTrainingPlan) PlanView {
	view := PlanView{
		StartDate:       domain.DateKey(p.StartDate),
		ActivePhase:     p.ActivePhase,
		ProgressionRate: p.ProgressionRate,
		TargetVolumeM:   p.TargetVolume,
		TotalDistanceM:  p.TotalDistance(),
		Fingerprint:     p.Fingerprint(),
		Days:            make([]PlannedDayView, 0, len(p.Days)),
	}
	for _, d := range p.Days {
		view.Days = append(view.Days, PlannedDayView{
			Date:      domain.DateKey(d.Date),
			Weekday:   d.Weekday.String(),
			RunType:   d.RunType,
			DistanceM: d.Distance,
		})
	}
	return view
}
