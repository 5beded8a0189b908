package messages

import "time"

// SessionStartedEvent is published by the controller once the gate is open and the session is active.
type SessionStartedEvent struct {
	SessionID      string    `json:"session_id"`
	FieldID        string    `json:"field_id"`
	InitialLevelCm float64   `json:"initial_level_cm"`
	TargetLevelCm  float64   `json:"target_level_cm"`
	GateFlowM3s    float64   `json:"gate_flow_m3s"`
	FlowEstimated  bool      `json:"flow_estimated"`
	Timestamp      time.Time `json:"timestamp"`
}
