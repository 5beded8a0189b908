package messages

import (
	"time"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

// GateStateChangedEvent is published by the gate service on every open/close.
type GateStateChangedEvent struct {
	FieldID   string             `json:"field_id"`
	CommandID string             `json:"command_id"`
	NewState  entities.GateState `json:"new_state"`
	FlowM3s   float64            `json:"flow_m3s"`
	Timestamp time.Time          `json:"timestamp"`
}
