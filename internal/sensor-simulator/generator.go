package sensor_simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/messages"
)

// 1 cm di acqua su 1 ha = 100 m3
const cmHaToM3 = 100.0

// LevelGenerator mantiene il livello d'acqua di un campo e lo aggiorna nel tempo:
// sale con la portata della paratoia, scende per percolazione ed eventuali perdite.
type LevelGenerator struct {
	mu            sync.Mutex
	areaHa        float64
	percolation   float64 // m3/h/ha
	levelCm       float64
	flowM3s       float64
	leakCmPerHour float64
	noiseCm       float64
	rng           *rand.Rand
	last          time.Time
}

// NewLevelGenerator: area sconosciuta → 1 ha.
func NewLevelGenerator(field entities.Field, initialCm, noiseCm float64, seed int64) *LevelGenerator {
	area := field.AreaHectares
	if area <= 0 {
		area = 1
	}
	return &LevelGenerator{
		areaHa:      area,
		percolation: field.SoilType.PercolationRate(),
		levelCm:     math.Max(0, initialCm),
		noiseCm:     math.Max(0, noiseCm),
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// SetGateFlow applies a gate state change; the level is advanced to now first.
func (g *LevelGenerator) SetGateFlow(flowM3s float64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance(now)
	g.flowM3s = math.Max(0, flowM3s)
}

// SetLeak simulates a breach in the bund (cm lost per hour).
func (g *LevelGenerator) SetLeak(cmPerHour float64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance(now)
	g.leakCmPerHour = math.Max(0, cmPerHour)
}

// Level returns the true level at now, without sensor noise.
func (g *LevelGenerator) Level(now time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance(now)
	return g.levelCm
}

// Next aggiorna lo stato interno e restituisce una lettura del sensore.
func (g *LevelGenerator) Next(fieldID, sensorID string, now time.Time) messages.WaterLevelData {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance(now)

	level := g.levelCm
	if g.noiseCm > 0 {
		level = math.Max(0, level+g.rng.NormFloat64()*g.noiseCm)
	}
	return messages.WaterLevelData{
		FieldID:   fieldID,
		SensorID:  sensorID,
		LevelCm:   math.Round(level*100) / 100,
		Timestamp: now.UTC(),
	}
}

func (g *LevelGenerator) advance(now time.Time) {
	if g.last.IsZero() {
		g.last = now
		return
	}
	hours := now.Sub(g.last).Hours()
	if hours <= 0 {
		return
	}
	gain := g.flowM3s * 3600 * hours / (g.areaHa * cmHaToM3)
	loss := g.percolation*hours/cmHaToM3 + g.leakCmPerHour*hours
	g.levelCm = math.Max(0, g.levelCm+gain-loss)
	g.last = now
}
