package irrigation_controller

import "time"

const historySize = 10

// LevelPoint is one (timestamp, level) pair kept for a running session.
type LevelPoint struct {
	At      time.Time
	LevelCm float64
}

// LevelHistory is a fixed-size ring of the most recent level samples of one session.
// It is owned by a single monitoring loop and not safe for concurrent use.
type LevelHistory struct {
	buf   [historySize]LevelPoint
	next  int
	count int
}

func NewLevelHistory() *LevelHistory { return &LevelHistory{} }

// Append stores p, evicting the oldest sample once the ring is full.
func (h *LevelHistory) Append(p LevelPoint) {
	h.buf[h.next] = p
	h.next = (h.next + 1) % historySize
	if h.count < historySize {
		h.count++
	}
}

func (h *LevelHistory) Len() int { return h.count }

// Last returns the most recent sample.
func (h *LevelHistory) Last() (LevelPoint, bool) {
	if h.count == 0 {
		return LevelPoint{}, false
	}
	return h.buf[(h.next-1+historySize)%historySize], true
}

// Points returns the samples oldest first.
func (h *LevelHistory) Points() []LevelPoint {
	out := make([]LevelPoint, 0, h.count)
	start := (h.next - h.count + historySize) % historySize
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(start+i)%historySize])
	}
	return out
}
