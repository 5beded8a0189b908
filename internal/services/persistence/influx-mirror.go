package persistence

import (
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	awdlog "github.com/LeonardoBeccarini/awd_irrigation/internal/log"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

// PointWriter is the part of influx's api.WriteAPI the mirror uses.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
	Errors() <-chan error
}

// InfluxMirror copies monitoring samples to InfluxDB through the non-blocking WriteAPI.
// Write errors arrive asynchronously and are only logged and tracked for /healthz.
type InfluxMirror struct {
	api         PointWriter
	measurement string
	logger      *zap.SugaredLogger

	mu      sync.RWMutex
	lastErr time.Time
	written int64
}

// NewInfluxMirror starts the listener for Influx's asynchronous write errors.
func NewInfluxMirror(w PointWriter, measurement string, logger *zap.SugaredLogger) *InfluxMirror {
	logger = awdlog.OrNop(logger)
	if strings.TrimSpace(measurement) == "" {
		measurement = "irrigation_sample"
	}
	m := &InfluxMirror{
		api:         w,
		measurement: sanitizeMeasurement(measurement),
		logger:      logger,
		lastErr:     time.Now().Add(-24 * time.Hour), // di default "lontano nel tempo"
	}
	go func() {
		for err := range w.Errors() {
			if err != nil {
				m.mu.Lock()
				m.lastErr = time.Now()
				m.mu.Unlock()
				logger.Warnw("influx write error", "error", err)
			}
		}
	}()
	return m
}

// MirrorSample enqueues one point; it never blocks the monitoring loop.
func (m *InfluxMirror) MirrorSample(s entities.MonitoringSample) {
	m.api.WritePoint(SamplePoint(m.measurement, s))
	m.mu.Lock()
	m.written++
	m.mu.Unlock()
}

// LastErrorAge is the time since the last asynchronous write error.
func (m *InfluxMirror) LastErrorAge() time.Duration {
	if m == nil {
		return 99999 * time.Hour
	}
	m.mu.RLock()
	t := m.lastErr
	m.mu.RUnlock()
	return time.Since(t)
}

func (m *InfluxMirror) Written() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.written
}

// Flush forces pending points out (shutdown).
func (m *InfluxMirror) Flush() { m.api.Flush() }

// SamplePoint converts a monitoring sample into an Influx point tagged by field and session.
func SamplePoint(measurement string, s entities.MonitoringSample) *write.Point {
	t := s.RecordedAt
	if t.IsZero() {
		t = time.Now()
	}
	tags := map[string]string{
		"field_id":   s.FieldID,
		"session_id": s.SessionID,
		"source":     string(s.Source),
	}
	fields := map[string]interface{}{
		"level_cm":             s.LevelCm,
		"flow_rate_cm_per_min": s.FlowRateCmPerMin,
	}
	return influxdb2.NewPoint(measurement, tags, fields, t)
}

func sanitizeMeasurement(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '_', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
