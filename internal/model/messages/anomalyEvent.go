package messages

import "time"

// AnomalyEvent is the alert form of an anomaly record.
type AnomalyEvent struct {
	SessionID   string             `json:"session_id"`
	FieldID     string             `json:"field_id"`
	Type        string             `json:"type"`
	Severity    string             `json:"severity"`
	Description string             `json:"description"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}
