package irrigation_controller

import (
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

// DefaultFlowM3s is sent to the gate when nothing better is known about the field.
const DefaultFlowM3s = 5.0

const (
	defaultFillHours = 6.0
	cmHaToM3         = 100.0 // 1 cm of water over 1 ha
)

// EstimateFlow returns the gate flow (m3/s) that raises the standing water from currentCm
// to targetCm over durationHours while compensating percolation losses.
func EstimateFlow(areaHa float64, soil entities.SoilType, currentCm, targetCm, durationHours float64) float64 {
	if durationHours <= 0 {
		durationHours = defaultFillHours
	}
	rise := targetCm - currentCm
	if rise < 0 {
		rise = 0
	}
	volumeM3 := rise * areaHa * cmHaToM3
	percolationM3 := soil.PercolationRate() * areaHa * durationHours
	return (volumeM3 + percolationM3) / (durationHours * 3600)
}

// FlowTarget resolves the gate flow for a new session.
// The bool reports whether the value was estimated rather than taken from the config.
func FlowTarget(cfg entities.IrrigationConfig, field entities.Field, known bool, currentCm float64) (float64, bool) {
	if cfg.TargetFlowRateM3s != nil {
		return *cfg.TargetFlowRateM3s, false
	}
	if !known || !field.HasGeometry() {
		return DefaultFlowM3s, true
	}
	return EstimateFlow(field.AreaHectares, field.SoilType, currentCm, cfg.TargetLevelCm, defaultFillHours), true
}
