package entities

import "time"

// ReadingSource tells whether a level came from the field sensor or from a fallback source.
type ReadingSource string

const (
	SourceSensor   ReadingSource = "sensor"
	SourceFallback ReadingSource = "fallback"
)

// WaterLevelReading is the latest standing-water measurement for a field.
type WaterLevelReading struct {
	FieldID     string        `json:"field_id"`
	LevelCm     float64       `json:"level_cm"`
	MoisturePct *float64      `json:"moisture_pct,omitempty"`
	Source      ReadingSource `json:"source"`
	SensorID    string        `json:"sensor_id"`
	Timestamp   time.Time     `json:"timestamp"`
}

// GateState indicates whether a delivery gate is letting water through.
type GateState string

const (
	GateClosed  GateState = "closed"
	GateOpen    GateState = "open"
	GateUnknown GateState = "unknown"
)

// GateCommandResult is the SCADA acknowledgement of an open/close command.
type GateCommandResult struct {
	Accepted  bool   `json:"accepted"`
	CommandID string `json:"command_id"`
	Message   string `json:"message,omitempty"`
}
