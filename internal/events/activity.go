// Package events defines the payloads exchanged with other services over Kafka.
package events

import "time"

// ActivityRecorded is consumed when a device sync or import accepts a completed run.
type ActivityRecorded struct {
	ActivityID    string    `json:"activity_id"`
	TenantID      string    `json:"tenant_id"`
	RunnerID      string    `json:"runner_id"`
	DistanceM     float64   `json:"distance_m"`
	StartedAt     time.Time `json:"started_at"`
	MovingSeconds int64     `json:"moving_seconds"`
	Source        string    `json:"source,omitempty"`
}
