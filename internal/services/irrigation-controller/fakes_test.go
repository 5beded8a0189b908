package irrigation_controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/services/persistence"
)

// ===================== Sensors =====================

// scriptedSensor returns levels in order, repeating the last one.
// Calls past failAfter (when > 0) fail; err makes every call fail.
type scriptedSensor struct {
	mu        sync.Mutex
	levels    []float64
	calls     int
	failAfter int
	err       error
}

func (s *scriptedSensor) GetWaterLevel(_ context.Context, fieldID string) (entities.WaterLevelReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return entities.WaterLevelReading{}, s.err
	}
	if s.failAfter > 0 && s.calls > s.failAfter {
		return entities.WaterLevelReading{}, fmt.Errorf("%w: sensor offline", model.ErrNotAvailable)
	}
	idx := s.calls - 1
	if idx >= len(s.levels) {
		idx = len(s.levels) - 1
	}
	return entities.WaterLevelReading{FieldID: fieldID, LevelCm: s.levels[idx], Source: entities.SourceSensor}, nil
}

func (s *scriptedSensor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ===================== Gates =====================

type gateCall struct {
	op    string
	field string
	flow  float64
}

type fakeGate struct {
	mu         sync.Mutex
	calls      []gateCall
	rejectOpen bool
	openErr    error
	closeErr   error
	journal    *journal
}

func (g *fakeGate) Open(_ context.Context, fieldID string, flow float64) (entities.GateCommandResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gateCall{op: "open", field: fieldID, flow: flow})
	if g.openErr != nil {
		return entities.GateCommandResult{}, g.openErr
	}
	if g.rejectOpen {
		return entities.GateCommandResult{Message: "gate jammed"}, nil
	}
	return entities.GateCommandResult{Accepted: true, CommandID: fmt.Sprintf("cmd-%d", len(g.calls))}, nil
}

func (g *fakeGate) Close(_ context.Context, fieldID string) (entities.GateCommandResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gateCall{op: "close", field: fieldID})
	if g.closeErr != nil {
		return entities.GateCommandResult{}, g.closeErr
	}
	g.journal.add("gate_close")
	return entities.GateCommandResult{Accepted: true, CommandID: fmt.Sprintf("cmd-%d", len(g.calls))}, nil
}

func (g *fakeGate) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (g *fakeGate) lastOpen() (gateCall, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.calls) - 1; i >= 0; i-- {
		if g.calls[i].op == "open" {
			return g.calls[i], true
		}
	}
	return gateCall{}, false
}

// ===================== Store =====================

// journal records the order of side effects across fakes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(e string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
}

func (j *journal) index(e string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, x := range j.entries {
		if x == e {
			return i
		}
	}
	return -1
}

func (j *journal) count(e string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, x := range j.entries {
		if x == e {
			n++
		}
	}
	return n
}

type journalStore struct {
	*persistence.MemoryStore
	journal *journal
}

func (s journalStore) PutPerformanceRecord(ctx context.Context, p entities.PerformanceRecord) error {
	s.journal.add("performance")
	return s.MemoryStore.PutPerformanceRecord(ctx, p)
}

func (s journalStore) ReleaseField(ctx context.Context, fieldID, sessionID string) error {
	s.journal.add("release")
	return s.MemoryStore.ReleaseField(ctx, fieldID, sessionID)
}

// faultyStore injects store faults around a MemoryStore.
type faultyStore struct {
	*persistence.MemoryStore

	mu          sync.Mutex
	beforeRenew func(*persistence.MemoryStore)
	anomalyErr  error
	sampleErr   error
}

// onNextRenew runs f right before the next claim renewal, on the renewing goroutine.
func (s *faultyStore) onNextRenew(f func(*persistence.MemoryStore)) {
	s.mu.Lock()
	s.beforeRenew = f
	s.mu.Unlock()
}

func (s *faultyStore) RenewClaim(ctx context.Context, fieldID, sessionID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	hook := s.beforeRenew
	s.beforeRenew = nil
	s.mu.Unlock()
	if hook != nil {
		hook(s.MemoryStore)
	}
	return s.MemoryStore.RenewClaim(ctx, fieldID, sessionID, owner, ttl)
}

func (s *faultyStore) AppendAnomaly(ctx context.Context, a entities.AnomalyRecord) error {
	s.mu.Lock()
	err := s.anomalyErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.AppendAnomaly(ctx, a)
}

func (s *faultyStore) AppendMonitoringSample(ctx context.Context, smp entities.MonitoringSample) error {
	s.mu.Lock()
	err := s.sampleErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.AppendMonitoringSample(ctx, smp)
}

// ===================== Clock =====================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: time.Now()} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ===================== Alerts =====================

type published struct {
	topic string
	event any
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []published
}

func (a *recordingAlerts) Publish(topic string, evt any) {
	a.mu.Lock()
	a.events = append(a.events, published{topic: topic, event: evt})
	a.mu.Unlock()
}

func (a *recordingAlerts) snapshot() []published {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]published(nil), a.events...)
}

// ===================== Harness =====================

type harness struct {
	ctrl   *Controller
	store  *persistence.MemoryStore
	sensor *scriptedSensor
	gate   *fakeGate
	alerts *recordingAlerts
}

type harnessOption func(*Dependencies, *Options)

func withBackup(p SensorReadingProvider) harnessOption {
	return func(d *Dependencies, o *Options) {
		d.Backup = p
		o.BackupOnFailure = true
	}
}

// withJournal records performance writes and claim releases in j.
func withJournal(j *journal) harnessOption {
	return func(d *Dependencies, _ *Options) {
		d.Store = journalStore{MemoryStore: d.Store.(*persistence.MemoryStore), journal: j}
	}
}

// withFaults routes the controller through fs, wrapped around the harness store.
func withFaults(fs *faultyStore) harnessOption {
	return func(d *Dependencies, _ *Options) {
		fs.MemoryStore = d.Store.(*persistence.MemoryStore)
		d.Store = fs
	}
}

func withClaimTTL(ttl time.Duration) harnessOption {
	return func(_ *Dependencies, o *Options) { o.ClaimTTL = ttl }
}

func withFields(fields ...entities.Field) harnessOption {
	return func(d *Dependencies, _ *Options) { d.Fields = NewFieldRegistry(fields) }
}

func newHarness(t *testing.T, sensor *scriptedSensor, gate *fakeGate, opts ...harnessOption) *harness {
	t.Helper()
	store := persistence.NewMemoryStore()
	alerts := &recordingAlerts{}
	deps := Dependencies{Sensors: sensor, Gates: gate, Store: store, Alerts: alerts}
	o := Options{
		InstanceID:       "test-instance",
		ClaimTTL:         5 * time.Second,
		SensorTimeout:    time.Second,
		GateTimeout:      time.Second,
		CloseRetryWindow: 300 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&deps, &o)
	}
	ctrl, err := NewController(deps, o)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(ctrl.Shutdown)
	return &harness{ctrl: ctrl, store: store, sensor: sensor, gate: gate, alerts: alerts}
}

func fastConfig(fieldID string) entities.IrrigationConfig {
	return entities.IrrigationConfig{
		FieldID:                    fieldID,
		TargetLevelCm:              8,
		ToleranceCm:                0.5,
		MaxDurationMinutes:         1,
		SensorCheckIntervalSeconds: 0.01,
		MinFlowRateCmPerMin:        0,
	}
}

// waitTerminal polls the durable state until the session is terminal.
func waitTerminal(t *testing.T, c *Controller, sessionID string) entities.IrrigationSession {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		v, err := c.GetSession(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if v.Status.Terminal() {
			// finalize releases and publishes after the terminal write
			waitLocalDone(t, c, sessionID)
			return v.IrrigationSession
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s did not terminate", sessionID)
	return entities.IrrigationSession{}
}

func waitLocalDone(t *testing.T, c *Controller, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.runner(sessionID) == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("loop of %s still running", sessionID)
}

var errBoom = errors.New("boom")
