package messages

import (
	"time"
)

// WaterLevelData is the payload field sensors publish on sensor/water-level/{field}.
type WaterLevelData struct {
	FieldID     string    `json:"field_id"`
	SensorID    string    `json:"sensor_id"`
	LevelCm     float64   `json:"level_cm"`
	MoisturePct *float64  `json:"moisture_pct,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
