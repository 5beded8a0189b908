package irrigation_controller

import (
	"fmt"
	"time"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

const (
	rapidDropCm      = 2.0
	overflowMarginCm = 5.0
	noRiseTicks      = 3
)

// Observation is what one monitoring tick saw. LowFlowStreak already includes this tick.
type Observation struct {
	SessionID string
	FieldID   string
	At        time.Time

	ReadFailed  bool
	ReadError   string
	CurrentCm   float64
	PreviousCm  float64
	HasPrevious bool
	FlowRate    float64 // cm/min

	LowFlowStreak int

	// History holds the recent readings oldest first, this tick's included.
	History []LevelPoint
}

// windowRise is the level change across the history window and the minutes it spans.
func (o Observation) windowRise() (cm, minutes float64, ok bool) {
	if len(o.History) < 2 {
		return 0, 0, false
	}
	first, last := o.History[0], o.History[len(o.History)-1]
	return last.LevelCm - first.LevelCm, last.At.Sub(first.At).Minutes(), true
}

// AnomalyDetector evaluates the rules against one observation. It keeps no state.
type AnomalyDetector struct{}

// Evaluate returns every anomaly fired by obs, in rule order.
// A failed read only produces sensor_failure: there is no level to judge.
func (AnomalyDetector) Evaluate(cfg entities.IrrigationConfig, obs Observation) []entities.AnomalyRecord {
	mk := func(t entities.AnomalyType, sev entities.Severity, desc string, metrics map[string]float64) entities.AnomalyRecord {
		return entities.AnomalyRecord{
			SessionID:   obs.SessionID,
			FieldID:     obs.FieldID,
			DetectedAt:  obs.At,
			Type:        t,
			Severity:    sev,
			Description: desc,
			Metrics:     metrics,
		}
	}

	if obs.ReadFailed {
		desc := "water level read failed"
		if obs.ReadError != "" {
			desc += ": " + obs.ReadError
		}
		return []entities.AnomalyRecord{mk(entities.AnomalySensorFailure, entities.SeverityCritical, desc, nil)}
	}

	var out []entities.AnomalyRecord

	if obs.FlowRate >= 0 && obs.FlowRate < cfg.MinFlowRateCmPerMin {
		out = append(out, mk(entities.AnomalyLowFlow, entities.SeverityWarning,
			fmt.Sprintf("flow %.3f cm/min below minimum %.3f", obs.FlowRate, cfg.MinFlowRateCmPerMin),
			map[string]float64{"flow_rate_cm_per_min": obs.FlowRate, "min_flow_rate_cm_per_min": cfg.MinFlowRateCmPerMin}))
	}

	if obs.HasPrevious && obs.CurrentCm < obs.PreviousCm-rapidDropCm {
		out = append(out, mk(entities.AnomalyRapidDrop, entities.SeverityCritical,
			fmt.Sprintf("level dropped from %.2f to %.2f cm", obs.PreviousCm, obs.CurrentCm),
			map[string]float64{"previous_cm": obs.PreviousCm, "current_cm": obs.CurrentCm, "drop_cm": obs.PreviousCm - obs.CurrentCm}))
	}

	if obs.LowFlowStreak >= noRiseTicks {
		desc := fmt.Sprintf("no level rise for %d consecutive checks", obs.LowFlowStreak)
		metrics := map[string]float64{"consecutive_ticks": float64(obs.LowFlowStreak), "flow_rate_cm_per_min": obs.FlowRate}
		if rise, minutes, ok := obs.windowRise(); ok {
			desc += fmt.Sprintf(", %+.2f cm over the last %.1f min", rise, minutes)
			metrics["window_rise_cm"] = rise
			metrics["window_minutes"] = minutes
		}
		out = append(out, mk(entities.AnomalyNoRise, entities.SeverityCritical, desc, metrics))
	}

	switch {
	case obs.CurrentCm > cfg.TargetLevelCm+overflowMarginCm:
		out = append(out, mk(entities.AnomalyOverflowRisk, entities.SeverityCritical,
			fmt.Sprintf("level %.2f cm above target %.2f + %.0f cm", obs.CurrentCm, cfg.TargetLevelCm, overflowMarginCm),
			map[string]float64{"current_cm": obs.CurrentCm, "target_cm": cfg.TargetLevelCm}))
	case cfg.EmergencyStopLevelCm > 0 && obs.CurrentCm > cfg.EmergencyStopLevelCm:
		out = append(out, mk(entities.AnomalyOverflowRisk, entities.SeverityCritical,
			fmt.Sprintf("level %.2f cm above emergency stop %.2f cm", obs.CurrentCm, cfg.EmergencyStopLevelCm),
			map[string]float64{"current_cm": obs.CurrentCm, "emergency_stop_cm": cfg.EmergencyStopLevelCm}))
	}

	return out
}

// critical anomalies compete for the terminal reason in this order
var criticalPriority = map[entities.AnomalyType]int{
	entities.AnomalyRapidDrop:     0,
	entities.AnomalyOverflowRisk:  1,
	entities.AnomalySensorFailure: 2,
	entities.AnomalyNoRise:        3,
}

// TerminalAnomaly picks the critical anomaly that names the failure, if any.
func TerminalAnomaly(anomalies []entities.AnomalyRecord) (entities.AnomalyRecord, bool) {
	var (
		best  entities.AnomalyRecord
		found bool
	)
	for _, a := range anomalies {
		if !a.Critical() {
			continue
		}
		if !found || criticalPriority[a.Type] < criticalPriority[best.Type] {
			best, found = a, true
		}
	}
	return best, found
}

// nextLowFlowStreak advances the session's consecutive low-flow counter.
func nextLowFlowStreak(streak int, flowRate, minFlow float64) int {
	if flowRate < minFlow {
		return streak + 1
	}
	return 0
}
