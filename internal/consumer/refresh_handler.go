package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"example.com/trainingload/internal/domain"
	"example.com/trainingload/internal/events"
	"example.com/trainingload/internal/training"
)

// EventTypeActivityRecorded is the event type carried by upstream activity records.
const EventTypeActivityRecorded = "activity.recorded"

// Recorder is the slice of the training service the handler drives.
type Recorder interface {
	RecordActivity(ctx context.Context, key domain.RunnerKey, activity domain.Activity) (domain.Activity, bool, error)
	Refresh(ctx context.Context, key domain.RunnerKey) (training.Result, error)
}

// RefreshHandler stores recorded activities and refreshes the owning runner.
type RefreshHandler struct {
	service Recorder
	logger  *zap.SugaredLogger
}

// NewRefreshHandler constructs a RefreshHandler.
func NewRefreshHandler(service Recorder, logger *zap.SugaredLogger) *RefreshHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RefreshHandler{service: service, logger: logger}
}

// Handle implements Handler. Returning nil acknowledges the record.
func (h *RefreshHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != EventTypeActivityRecorded {
		recordSkipped(msg, "unsupported_type")
		return nil
	}

	var evt events.ActivityRecorded
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		h.logger.Warnw("dropping undecodable activity", "offset", msg.Offset, "error", err)
		recordSkipped(msg, "invalid_payload")
		return nil
	}
	if evt.TenantID == "" {
		evt.TenantID = msg.TenantID
	}
	if evt.TenantID == "" || evt.RunnerID == "" {
		recordSkipped(msg, "missing_owner")
		return nil
	}

	key := domain.RunnerKey{TenantID: evt.TenantID, RunnerID: evt.RunnerID}
	activity := domain.Activity{
		ID:             evt.ActivityID,
		Distance:       evt.DistanceM,
		StartedAt:      evt.StartedAt,
		MovingDuration: time.Duration(evt.MovingSeconds) * time.Second,
	}

	_, created, err := h.service.RecordActivity(ctx, key, activity)
	switch {
	case errors.Is(err, training.ErrInvalidActivity):
		h.logger.Warnw("dropping invalid activity", "runner", key.String(), "activity", evt.ActivityID, "error", err)
		recordSkipped(msg, "invalid_activity")
		return nil
	case err != nil:
		return fmt.Errorf("record activity %s: %w", evt.ActivityID, err)
	}
	// Redelivery can follow a refresh that failed after the insert, so duplicates refresh too.

	res, err := h.service.Refresh(ctx, key)
	if errors.Is(err, training.ErrSuperseded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh %s: %w", key, err)
	}
	h.logger.Debugw("runner refreshed",
		"runner", key.String(),
		"replay", !created,
		"mode", res.Mode,
		"phase", res.Override.Phase,
	)
	return nil
}
