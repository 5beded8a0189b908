// Package sensors implements the water level sources used by the irrigation controller.
package sensors

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/messages"
)

// Provider returns the latest water level of a field, or an error wrapping model.ErrNotAvailable.
type Provider interface {
	GetWaterLevel(ctx context.Context, fieldID string) (entities.WaterLevelReading, error)
}

// BreakerSettings mirrors the circuit breaker knobs of the config file.
type BreakerSettings struct {
	Fails      int
	OpenMs     int
	IntervalMs int
}

func mkCB(name string, s BreakerSettings, isSuccessful func(error) bool) *gobreaker.CircuitBreaker {
	fails := s.Fails
	if fails <= 0 {
		fails = 3
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: time.Duration(s.IntervalMs) * time.Millisecond,
		Timeout:  time.Duration(s.OpenMs) * time.Millisecond,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(fails)
		},
		IsSuccessful: isSuccessful,
	})
}

func fromData(d messages.WaterLevelData, fieldID string, source entities.ReadingSource) entities.WaterLevelReading {
	if d.FieldID == "" {
		d.FieldID = fieldID
	}
	return entities.WaterLevelReading{
		FieldID:     d.FieldID,
		LevelCm:     d.LevelCm,
		MoisturePct: d.MoisturePct,
		Source:      source,
		SensorID:    d.SensorID,
		Timestamp:   d.Timestamp,
	}
}
