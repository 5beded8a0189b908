package entities

import "time"

type AnomalyType string

const (
	AnomalyLowFlow       AnomalyType = "low_flow"
	AnomalyRapidDrop     AnomalyType = "rapid_drop"
	AnomalyNoRise        AnomalyType = "no_rise"
	AnomalyOverflowRisk  AnomalyType = "overflow_risk"
	AnomalySensorFailure AnomalyType = "sensor_failure"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AnomalyRecord is created by the detector and never mutated afterwards.
type AnomalyRecord struct {
	SessionID   string             `json:"session_id"`
	FieldID     string             `json:"field_id"`
	DetectedAt  time.Time          `json:"detected_at"`
	Type        AnomalyType        `json:"type"`
	Severity    Severity           `json:"severity"`
	Description string             `json:"description"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// Critical anomalies stop the session.
func (a AnomalyRecord) Critical() bool { return a.Severity == SeverityCritical }

// PerformanceRecord is written exactly once, when a session is finalized.
type PerformanceRecord struct {
	SessionID            string        `json:"session_id"`
	FieldID              string        `json:"field_id"`
	Status               SessionStatus `json:"status"`
	Reason               string        `json:"reason,omitempty"`
	StartTime            time.Time     `json:"start_time"`
	EndTime              time.Time     `json:"end_time"`
	InitialLevelCm       float64       `json:"initial_level_cm"`
	TargetLevelCm        float64       `json:"target_level_cm"`
	AchievedLevelCm      float64       `json:"achieved_level_cm"`
	TotalDurationMinutes float64       `json:"total_duration_minutes"`
	WaterVolumeLiters    float64       `json:"water_volume_liters"`
	AvgFlowRateCmPerMin  float64       `json:"avg_flow_rate_cm_per_min"`
	EfficiencyScore      float64       `json:"efficiency_score"`
}
