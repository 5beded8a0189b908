package messages

import "time"

// SessionTerminatedEvent is published when a session reaches a terminal state.
// Same shape as the other events in internal/model/messages/*.
type SessionTerminatedEvent struct {
	SessionID       string    `json:"session_id"`
	FieldID         string    `json:"field_id"`
	Status          string    `json:"status"` // "completed" | "failed" | "cancelled"
	Reason          string    `json:"reason"` // "target_reached" | "timeout" | anomaly type | ...
	AchievedLevelCm float64   `json:"achieved_level_cm"`
	VolumeLiters    float64   `json:"volume_liters"`
	EfficiencyScore float64   `json:"efficiency_score"`
	StartedAt       time.Time `json:"started_at"`
	Timestamp       time.Time `json:"timestamp"`
}
