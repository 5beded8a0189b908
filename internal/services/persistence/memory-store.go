package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

// MemoryStore keeps everything in process memory. It gives a single instance the same
// claim and finalize semantics as GormStore.
type MemoryStore struct {
	mu          sync.Mutex
	now         func() time.Time
	claims      map[string]entities.FieldClaim
	sessions    map[string]entities.IrrigationSession
	samples     map[string][]entities.MonitoringSample
	anomalies   map[string][]entities.AnomalyRecord
	performance map[string]entities.PerformanceRecord
	mirror      SampleMirror
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		claims:      make(map[string]entities.FieldClaim),
		sessions:    make(map[string]entities.IrrigationSession),
		samples:     make(map[string][]entities.MonitoringSample),
		anomalies:   make(map[string][]entities.AnomalyRecord),
		performance: make(map[string]entities.PerformanceRecord),
	}
}

// WithMirror sets the sample mirror.
func (m *MemoryStore) WithMirror(mirror SampleMirror) *MemoryStore {
	m.mirror = mirror
	return m
}

// SetClock replaces the store clock (tests).
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStore) ClaimField(_ context.Context, fieldID, sessionID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if c, ok := m.claims[fieldID]; ok && !c.Expired(now) && !(c.SessionID == sessionID && c.Owner == owner) {
		return fmt.Errorf("%w: %s", model.ErrFieldBusy, fieldID)
	}
	m.claims[fieldID] = entities.FieldClaim{FieldID: fieldID, SessionID: sessionID, Owner: owner, ExpiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryStore) RenewClaim(_ context.Context, fieldID, sessionID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[fieldID]
	if !ok || c.SessionID != sessionID || c.Owner != owner {
		return fmt.Errorf("%w: %s", model.ErrClaimLost, fieldID)
	}
	c.ExpiresAt = m.now().Add(ttl)
	m.claims[fieldID] = c
	return nil
}

func (m *MemoryStore) ReleaseField(_ context.Context, fieldID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[fieldID]; ok && c.SessionID == sessionID {
		delete(m.claims, fieldID)
	}
	return nil
}

func (m *MemoryStore) GetClaim(_ context.Context, fieldID string) (*entities.FieldClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[fieldID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) PutSession(_ context.Context, s entities.IrrigationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.SessionID]; ok && cur.Status.Terminal() {
		return fmt.Errorf("%w: session %s already terminal", model.ErrClaimLost, s.SessionID)
	}
	m.sessions[s.SessionID] = copySession(s)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (entities.IrrigationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return entities.IrrigationSession{}, fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionID)
	}
	return copySession(s), nil
}

func (m *MemoryStore) FinalizeSession(_ context.Context, s entities.IrrigationSession) (bool, error) {
	if !s.Status.Terminal() {
		return false, fmt.Errorf("finalize %s: status %q is not terminal", s.SessionID, s.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.SessionID]
	if !ok {
		return false, fmt.Errorf("%w: %s", model.ErrSessionNotFound, s.SessionID)
	}
	if cur.Status.Terminal() {
		return false, nil
	}
	m.sessions[s.SessionID] = copySession(s)
	return true, nil
}

func (m *MemoryStore) ListActiveSessions(_ context.Context) ([]entities.IrrigationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entities.IrrigationSession
	for _, s := range m.sessions {
		if !s.Status.Terminal() {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) AppendMonitoringSample(_ context.Context, s entities.MonitoringSample) error {
	m.mu.Lock()
	m.samples[s.SessionID] = append(m.samples[s.SessionID], s)
	mirror := m.mirror
	m.mu.Unlock()
	if mirror != nil {
		mirror.MirrorSample(s)
	}
	return nil
}

func (m *MemoryStore) AppendAnomaly(_ context.Context, a entities.AnomalyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies[a.SessionID] = append(m.anomalies[a.SessionID], a)
	return nil
}

func (m *MemoryStore) PutPerformanceRecord(_ context.Context, p entities.PerformanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.performance[p.SessionID] = p
	return nil
}

func (m *MemoryStore) ListMonitoringSamples(_ context.Context, sessionID string) ([]entities.MonitoringSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]entities.MonitoringSample(nil), m.samples[sessionID]...), nil
}

func (m *MemoryStore) ListAnomalies(_ context.Context, sessionID string) ([]entities.AnomalyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]entities.AnomalyRecord(nil), m.anomalies[sessionID]...), nil
}

func (m *MemoryStore) GetPerformanceRecord(_ context.Context, sessionID string) (entities.PerformanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.performance[sessionID]
	if !ok {
		return entities.PerformanceRecord{}, fmt.Errorf("%w: no performance record for %s", model.ErrSessionNotFound, sessionID)
	}
	return p, nil
}

func copySession(s entities.IrrigationSession) entities.IrrigationSession {
	if s.EndTime != nil {
		t := *s.EndTime
		s.EndTime = &t
	}
	if s.Config.TargetFlowRateM3s != nil {
		f := *s.Config.TargetFlowRateM3s
		s.Config.TargetFlowRateM3s = &f
	}
	return s
}
