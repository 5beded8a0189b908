package entities

import (
	"fmt"
	"strings"
	"time"
)

// IrrigationConfig is the request that starts a session. It is immutable once the session runs.
type IrrigationConfig struct {
	FieldID                    string   `json:"field_id"`
	TargetLevelCm              float64  `json:"target_level_cm"`
	ToleranceCm                float64  `json:"tolerance_cm"`
	MaxDurationMinutes         float64  `json:"max_duration_minutes"`
	SensorCheckIntervalSeconds float64  `json:"sensor_check_interval_seconds"`
	MinFlowRateCmPerMin        float64  `json:"min_flow_rate_cm_per_min"`
	EmergencyStopLevelCm       float64  `json:"emergency_stop_level_cm,omitempty"`
	TargetFlowRateM3s          *float64 `json:"target_flow_rate_m3s,omitempty"`
}

// Validate checks the config invariants and lists every violation.
func (c IrrigationConfig) Validate() error {
	var errs []string
	if strings.TrimSpace(c.FieldID) == "" {
		errs = append(errs, "field_id is required")
	}
	if c.TargetLevelCm <= 0 {
		errs = append(errs, "target_level_cm must be > 0")
	}
	if c.ToleranceCm < 0 {
		errs = append(errs, "tolerance_cm must be >= 0")
	}
	if c.MaxDurationMinutes <= 0 {
		errs = append(errs, "max_duration_minutes must be > 0")
	}
	if c.SensorCheckIntervalSeconds <= 0 {
		errs = append(errs, "sensor_check_interval_seconds must be > 0")
	}
	if c.MinFlowRateCmPerMin < 0 {
		errs = append(errs, "min_flow_rate_cm_per_min must be >= 0")
	}
	if c.EmergencyStopLevelCm < 0 {
		errs = append(errs, "emergency_stop_level_cm must be >= 0")
	}
	if c.TargetFlowRateM3s != nil && *c.TargetFlowRateM3s <= 0 {
		errs = append(errs, "target_flow_rate_m3s must be > 0 when set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// CheckInterval is the monitoring tick.
func (c IrrigationConfig) CheckInterval() time.Duration {
	return time.Duration(c.SensorCheckIntervalSeconds * float64(time.Second))
}

// MaxDuration bounds the whole session.
func (c IrrigationConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationMinutes * float64(time.Minute))
}

// TargetReached applies the tolerance band below the target.
func (c IrrigationConfig) TargetReached(levelCm float64) bool {
	return levelCm >= c.TargetLevelCm-c.ToleranceCm
}
