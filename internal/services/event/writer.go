package event

import (
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	awdlog "github.com/LeonardoBeccarini/awd_irrigation/internal/log"
)

// PointWriter is the subset of influx's api.WriteAPI the recorder needs.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
	Errors() <-chan error
}

// Writer incapsula WriteAPI e traccia l'ultimo errore di scrittura per /healthz e /readyz.
type Writer struct {
	api     PointWriter
	logger  *zap.SugaredLogger
	mu      sync.RWMutex
	lastErr time.Time
	counts  map[string]int64
}

// NewWriter inizializza il writer e attiva il listener degli errori asincroni di Influx.
func NewWriter(w PointWriter, logger *zap.SugaredLogger) *Writer {
	logger = awdlog.OrNop(logger)
	ww := &Writer{
		api:     w,
		logger:  logger,
		lastErr: time.Now().Add(-24 * time.Hour), // di default "lontano nel tempo"
		counts:  make(map[string]int64),
	}
	go func() {
		for err := range w.Errors() {
			if err != nil {
				ww.mu.Lock()
				ww.lastErr = time.Now()
				ww.mu.Unlock()
				logger.Warnw("influx write error", "error", err)
			}
		}
	}()
	return ww
}

// Record writes the event point and counts it by type.
func (w *Writer) Record(evt CommonEvent) {
	w.api.WritePoint(EventToPoint(evt))
	w.mu.Lock()
	w.counts[evt.EventType]++
	w.mu.Unlock()
	w.logger.Debugw("event recorded", "event_type", evt.EventType, "field_id", evt.FieldID, "session_id", evt.SessionID)
}

// LastErrorAge ritorna da quanto tempo non si verificano errori di scrittura.
func (w *Writer) LastErrorAge() time.Duration {
	if w == nil {
		return 99999 * time.Hour
	}
	w.mu.RLock()
	t := w.lastErr
	w.mu.RUnlock()
	return time.Since(t)
}

func (w *Writer) Count(eventType string) int64 {
	if w == nil {
		return 0
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.counts[eventType]
}

// Counts returns a copy of the per-type counters.
func (w *Writer) Counts() map[string]int64 {
	out := map[string]int64{}
	if w == nil {
		return out
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	for k, v := range w.counts {
		out[k] = v
	}
	return out
}

func (w *Writer) Flush() { w.api.Flush() }
