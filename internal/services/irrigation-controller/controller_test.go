package irrigation_controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/services/persistence"
)

func TestSessionReachesTarget(t *testing.T) {
	field := entities.Field{ID: "f1", AreaHectares: 10, SoilType: entities.SoilLoam}
	h := newHarness(t, &scriptedSensor{levels: []float64{5, 6, 7, 8}}, &fakeGate{}, withFields(field))
	ctx := context.Background()

	s, err := h.ctrl.Start(ctx, fastConfig("f1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Status != entities.StatusActive || s.InitialLevelCm != 5 || s.GateCommandID == "" {
		t.Fatalf("unexpected started session %+v", s)
	}

	final := waitTerminal(t, h.ctrl, s.SessionID)
	if final.Status != entities.StatusCompleted || final.Reason != entities.ReasonTargetReached {
		t.Fatalf("status=%s reason=%s", final.Status, final.Reason)
	}
	if final.CurrentLevelCm != 8 {
		t.Fatalf("level = %v", final.CurrentLevelCm)
	}
	if math.Abs(final.AccumulatedVolumeLiters-3_000_000) > 1e-6 {
		t.Fatalf("volume = %v", final.AccumulatedVolumeLiters)
	}

	open, ok := h.gate.lastOpen()
	if !ok || math.Abs(open.flow-EstimateFlow(10, entities.SoilLoam, 5, 8, 6)) > 1e-12 {
		t.Fatalf("gate open %+v", open)
	}
	if n := h.gate.count("close"); n != 1 {
		t.Fatalf("gate closed %d times", n)
	}

	samples, err := h.ctrl.Samples(ctx, s.SessionID)
	if err != nil || len(samples) != 3 {
		t.Fatalf("samples = %d, %v", len(samples), err)
	}
	perf, err := h.ctrl.Performance(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("Performance: %v", err)
	}
	if perf.Status != entities.StatusCompleted || perf.AchievedLevelCm != 8 || perf.EfficiencyScore <= 0.7 {
		t.Fatalf("unexpected performance %+v", perf)
	}
	if c, _ := h.store.GetClaim(ctx, "f1"); c != nil {
		t.Fatalf("claim not released: %+v", c)
	}

	var started, terminated int
	for _, e := range h.alerts.snapshot() {
		if e.topic != "irrigation/session/f1/"+s.SessionID {
			continue
		}
		switch ev := e.event.(type) {
		case messages.SessionStartedEvent:
			started++
			if !ev.FlowEstimated {
				t.Fatal("flow should be reported as estimated")
			}
		case messages.SessionTerminatedEvent:
			terminated++
			if ev.Status != "completed" || ev.Reason != entities.ReasonTargetReached {
				t.Fatalf("unexpected termination event %+v", ev)
			}
		}
	}
	if started != 1 || terminated != 1 {
		t.Fatalf("started=%d terminated=%d", started, terminated)
	}
}

func TestGateClosedBeforePerformanceRecord(t *testing.T) {
	j := &journal{}
	h := newHarness(t, &scriptedSensor{levels: []float64{5, 8}}, &fakeGate{journal: j}, withJournal(j))

	s, err := h.ctrl.Start(context.Background(), fastConfig("f1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTerminal(t, h.ctrl, s.SessionID)

	closeAt, perfAt, releaseAt := j.index("gate_close"), j.index("performance"), j.index("release")
	if closeAt < 0 || perfAt < 0 || releaseAt < 0 {
		t.Fatalf("missing steps: %v", j.entries)
	}
	if !(closeAt < perfAt && perfAt < releaseAt) {
		t.Fatalf("wrong finalisation order: %v", j.entries)
	}
}

func TestConcurrentStartsOneWins(t *testing.T) {
	h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{})
	ctx := context.Background()

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		busy    int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := h.ctrl.Start(ctx, fastConfig("f1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, s.SessionID)
			case errors.Is(err, model.ErrFieldBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 || busy != n-1 {
		t.Fatalf("winners=%d busy=%d", len(winners), busy)
	}
	if got := h.gate.count("open"); got != 1 {
		t.Fatalf("gate opened %d times", got)
	}
	if err := h.ctrl.Stop(ctx, winners[0], ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{})
	ctx := context.Background()

	s, err := h.ctrl.Start(ctx, fastConfig("f1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.ctrl.Stop(ctx, s.SessionID, ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	v, err := h.ctrl.GetSession(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if v.Status != entities.StatusCancelled || v.Reason != entities.ReasonOperatorStop || v.EndTime == nil {
		t.Fatalf("unexpected session %+v", v.IrrigationSession)
	}
	if v.EstimatedCompletionTime != nil {
		t.Fatal("terminal sessions have no completion estimate")
	}

	if err := h.ctrl.Stop(ctx, s.SessionID, "again"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	waitLocalDone(t, h.ctrl, s.SessionID)
	if got := h.gate.count("close"); got != 1 {
		t.Fatalf("gate closed %d times", got)
	}
	v, _ = h.ctrl.GetSession(ctx, s.SessionID)
	if v.Reason != entities.ReasonOperatorStop {
		t.Fatalf("reason overwritten: %s", v.Reason)
	}

	if err := h.ctrl.Stop(ctx, "missing", ""); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func TestStopWithoutLocalLoop(t *testing.T) {
	h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{})
	ctx := context.Background()

	s := entities.IrrigationSession{
		SessionID: "remote-1", FieldID: "f9", Status: entities.StatusActive,
		StartTime: time.Now(), InitialLevelCm: 4, TargetLevelCm: 8, CurrentLevelCm: 5,
		Config: fastConfig("f9"),
	}
	if err := h.store.PutSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	if err := h.store.ClaimField(ctx, "f9", "remote-1", "other-instance", time.Minute); err != nil {
		t.Fatal(err)
	}

	if err := h.ctrl.Stop(ctx, "remote-1", "maintenance"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, _ := h.store.GetSession(ctx, "remote-1")
	if got.Status != entities.StatusCancelled || got.Reason != "maintenance" {
		t.Fatalf("status=%s reason=%s", got.Status, got.Reason)
	}
	if h.gate.count("close") != 1 {
		t.Fatal("gate not closed")
	}
	if c, _ := h.store.GetClaim(ctx, "f9"); c != nil {
		t.Fatalf("claim not released: %+v", c)
	}
}

func TestConcurrentStopsWriteOnePerformanceRecord(t *testing.T) {
	j := &journal{}
	h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{journal: j}, withJournal(j))
	ctx := context.Background()

	s, err := h.ctrl.Start(ctx, fastConfig("f1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.ctrl.Stop(ctx, s.SessionID, ""); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}()
	}
	wg.Wait()
	waitLocalDone(t, h.ctrl, s.SessionID)
	if err := h.ctrl.Stop(ctx, s.SessionID, "late"); err != nil {
		t.Fatalf("late Stop: %v", err)
	}

	if n := j.count("performance"); n != 1 {
		t.Fatalf("performance written %d times: %v", n, j.entries)
	}
	if n := j.count("release"); n != 1 {
		t.Fatalf("claim released %d times: %v", n, j.entries)
	}
}

func TestFieldReachesTargetWithinTolerance(t *testing.T) {
	field := entities.Field{ID: "F1", AreaHectares: 2, SoilType: entities.SoilClay}
	h := newHarness(t, &scriptedSensor{levels: []float64{5, 9.2}}, &fakeGate{}, withFields(field))
	ctx := context.Background()
	cfg := entities.IrrigationConfig{
		FieldID:                    "F1",
		TargetLevelCm:              10,
		ToleranceCm:                1,
		MaxDurationMinutes:         360,
		SensorCheckIntervalSeconds: 0.01,
		MinFlowRateCmPerMin:        0.05,
	}

	s, err := h.ctrl.Start(ctx, cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitTerminal(t, h.ctrl, s.SessionID)
	if final.Status != entities.StatusCompleted || final.Reason != entities.ReasonTargetReached {
		t.Fatalf("status=%s reason=%s", final.Status, final.Reason)
	}
	if math.Abs(final.CurrentLevelCm-9.2) > 1e-9 || final.AnomaliesDetected != 0 {
		t.Fatalf("level=%v anomalies=%d", final.CurrentLevelCm, final.AnomaliesDetected)
	}

	perf, err := h.ctrl.Performance(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("Performance: %v", err)
	}
	if math.Abs(perf.AchievedLevelCm-9.2) > 1e-9 {
		t.Fatalf("achieved = %v", perf.AchievedLevelCm)
	}
	// 0.7 * 4.2/5 plus an almost full time credit
	if math.Abs(perf.EfficiencyScore-0.888) > 1e-3 {
		t.Fatalf("efficiency = %v", perf.EfficiencyScore)
	}
	if math.Abs(perf.WaterVolumeLiters-840_000) > 1e-3 {
		t.Fatalf("volume = %v", perf.WaterVolumeLiters)
	}
}

func TestInterruptedLowFlowNeverFailsSession(t *testing.T) {
	// start 5, then below, below, above, below, below, then the target
	sensor := &scriptedSensor{levels: []float64{5, 5, 5, 6, 6, 6, 9.2}}
	h := newHarness(t, sensor, &fakeGate{})
	cfg := entities.IrrigationConfig{
		FieldID:                    "F1",
		TargetLevelCm:              10,
		ToleranceCm:                1,
		MaxDurationMinutes:         360,
		SensorCheckIntervalSeconds: 0.01,
		MinFlowRateCmPerMin:        0.05,
	}

	s, err := h.ctrl.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitTerminal(t, h.ctrl, s.SessionID)
	if final.Status != entities.StatusCompleted {
		t.Fatalf("status=%s reason=%s", final.Status, final.Reason)
	}
	anomalies, _ := h.ctrl.Anomalies(context.Background(), s.SessionID)
	got := types(anomalies)
	if len(got) != 4 {
		t.Fatalf("anomalies = %v, want four low_flow", got)
	}
	for _, a := range got {
		if a != entities.AnomalyLowFlow {
			t.Fatalf("anomalies = %v, want four low_flow", got)
		}
	}
}

func TestNoRiseFailsSession(t *testing.T) {
	h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{})
	cfg := fastConfig("f1")
	cfg.MinFlowRateCmPerMin = 0.1

	s, err := h.ctrl.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitTerminal(t, h.ctrl, s.SessionID)
	if final.Status != entities.StatusFailed || final.Reason != string(entities.AnomalyNoRise) {
		t.Fatalf("status=%s reason=%s", final.Status, final.Reason)
	}
	if final.AnomaliesDetected != 4 {
		t.Fatalf("anomalies detected = %d, want 3 low_flow + no_rise", final.AnomaliesDetected)
	}
	anomalies, _ := h.ctrl.Anomalies(context.Background(), s.SessionID)
	if len(anomalies) != 4 || anomalies[3].Type != entities.AnomalyNoRise {
		t.Fatalf("unexpected anomaly log %v", types(anomalies))
	}

	var alerts int
	for _, e := range h.alerts.snapshot() {
		if strings.HasPrefix(e.topic, "irrigation/anomaly/f1/") {
			alerts++
		}
	}
	if alerts != 4 {
		t.Fatalf("anomaly alerts = %d", alerts)
	}
}

func TestRapidDropFailsSession(t *testing.T) {
	h := newHarness(t, &scriptedSensor{levels: []float64{10, 7.5}}, &fakeGate{})
	cfg := fastConfig("f1")
	cfg.TargetLevelCm = 20

	s, err := h.ctrl.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitTerminal(t, h.ctrl, s.SessionID)
	if final.Status != entities.StatusFailed || final.Reason != string(entities.AnomalyRapidDrop) {
		t.Fatalf("status=%s reason=%s", final.Status, final.Reason)
	}
	if h.gate.count("close") != 1 {
		t.Fatal("gate not closed")
	}
}

func TestSessionTimesOut(t *testing.T) {
	h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{})
	cfg := fastConfig("f1")
	cfg.MaxDurationMinutes = 0.002

	s, err := h.ctrl.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitTerminal(t, h.ctrl, s.SessionID)
	if final.Status != entities.StatusFailed || final.Reason != entities.ReasonTimeout {
		t.Fatalf("status=%s reason=%s", final.Status, final.Reason)
	}
}

func TestSensorFailureWithoutBackup(t *testing.T) {
	h := newHarness(t, &scriptedSensor{levels: []float64{5}, failAfter: 1}, &fakeGate{})

	s, err := h.ctrl.Start(context.Background(), fastConfig("f1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitTerminal(t, h.ctrl, s.SessionID)
	if final.Status != entities.StatusFailed || final.Reason != string(entities.AnomalySensorFailure) {
		t.Fatalf("status=%s reason=%s", final.Status, final.Reason)
	}
}

func TestBackupReadingKeepsSessionAlive(t *testing.T) {
	backup := &scriptedSensor{levels: []float64{6, 7, 8}}
	h := newHarness(t, &scriptedSensor{levels: []float64{5}, failAfter: 1}, &fakeGate{}, withBackup(backup))

	s, err := h.ctrl.Start(context.Background(), fastConfig("f1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitTerminal(t, h.ctrl, s.SessionID)
	if final.Status != entities.StatusCompleted {
		t.Fatalf("status=%s reason=%s", final.Status, final.Reason)
	}
	samples, _ := h.ctrl.Samples(context.Background(), s.SessionID)
	if len(samples) == 0 {
		t.Fatal("no samples")
	}
	for _, smp := range samples {
		if smp.Source != entities.SourceFallback {
			t.Fatalf("sample source = %s", smp.Source)
		}
	}
}

func TestStartFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid config", func(t *testing.T) {
		h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{})
		cfg := fastConfig("f1")
		cfg.TargetLevelCm = 0
		if _, err := h.ctrl.Start(ctx, cfg); !errors.Is(err, model.ErrInvalidConfig) {
			t.Fatalf("want ErrInvalidConfig, got %v", err)
		}
		if h.sensor.Calls() != 0 || h.gate.count("open") != 0 {
			t.Fatal("invalid config must not touch collaborators")
		}
	})

	t.Run("sensor unavailable", func(t *testing.T) {
		h := newHarness(t, &scriptedSensor{err: errBoom}, &fakeGate{})
		if _, err := h.ctrl.Start(ctx, fastConfig("f1")); !errors.Is(err, model.ErrSensorUnavailable) {
			t.Fatalf("want ErrSensorUnavailable, got %v", err)
		}
		if h.gate.count("open") != 0 {
			t.Fatal("gate opened without a reading")
		}
		if c, _ := h.store.GetClaim(ctx, "f1"); c != nil {
			t.Fatalf("claim kept: %+v", c)
		}
	})

	t.Run("gate rejects", func(t *testing.T) {
		h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{rejectOpen: true})
		if _, err := h.ctrl.Start(ctx, fastConfig("f1")); !errors.Is(err, model.ErrActuationFailed) {
			t.Fatalf("want ErrActuationFailed, got %v", err)
		}
		if c, _ := h.store.GetClaim(ctx, "f1"); c != nil {
			t.Fatalf("claim kept: %+v", c)
		}
		if h.gate.count("close") != 0 {
			t.Fatal("rejected open needs no close")
		}
	})

	t.Run("gate unreachable", func(t *testing.T) {
		h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{openErr: context.DeadlineExceeded})
		if _, err := h.ctrl.Start(ctx, fastConfig("f1")); !errors.Is(err, model.ErrActuationFailed) {
			t.Fatalf("want ErrActuationFailed, got %v", err)
		}
		if h.gate.count("close") != 1 {
			t.Fatal("unknown open outcome must be followed by a close")
		}
		if active, _ := h.store.ListActiveSessions(ctx); len(active) != 0 {
			t.Fatalf("session persisted after failed start: %v", active)
		}
	})
}

func TestGateCloseFailureFailsSession(t *testing.T) {
	h := newHarness(t, &scriptedSensor{levels: []float64{5, 8}}, &fakeGate{closeErr: errBoom})

	s, err := h.ctrl.Start(context.Background(), fastConfig("f1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitTerminal(t, h.ctrl, s.SessionID)
	if final.Status != entities.StatusFailed || final.Reason != entities.ReasonActuationFailed {
		t.Fatalf("status=%s reason=%s", final.Status, final.Reason)
	}
	if h.gate.count("close") < 2 {
		t.Fatal("gate close should be retried")
	}
}

// longTickConfig checks every five minutes, far longer than the claim TTL.
func longTickConfig(fieldID string) entities.IrrigationConfig {
	cfg := fastConfig(fieldID)
	cfg.SensorCheckIntervalSeconds = 300
	cfg.MaxDurationMinutes = 360
	return cfg
}

func TestClaimOutlivesLongTick(t *testing.T) {
	clock := newTestClock()
	h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{}, withClaimTTL(30*time.Second))
	h.store.SetClock(clock.Now)
	ctx := context.Background()

	s, err := h.ctrl.Start(ctx, longTickConfig("f1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(31 * time.Second)

	if _, err := h.ctrl.Start(ctx, longTickConfig("f1")); !errors.Is(err, model.ErrFieldBusy) {
		t.Fatalf("second Start while the first session runs: want ErrFieldBusy, got %v", err)
	}
	if n := h.gate.count("open"); n != 1 {
		t.Fatalf("gate opened %d times", n)
	}
	if active, _ := h.store.ListActiveSessions(ctx); len(active) != 1 {
		t.Fatalf("active sessions = %d", len(active))
	}
	claim, _ := h.store.GetClaim(ctx, "f1")
	if claim == nil || claim.SessionID != s.SessionID || claim.Expired(clock.Now()) {
		t.Fatalf("claim = %+v", claim)
	}
	if err := h.ctrl.Stop(ctx, s.SessionID, ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestHeartbeatRenewsClaimBetweenTicks(t *testing.T) {
	sensor := &scriptedSensor{levels: []float64{5}}
	h := newHarness(t, sensor, &fakeGate{}, withClaimTTL(60*time.Millisecond))
	ctx := context.Background()

	s, err := h.ctrl.Start(ctx, longTickConfig("f1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	first, _ := h.store.GetClaim(ctx, "f1")
	if first == nil {
		t.Fatal("no claim after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		c, _ := h.store.GetClaim(ctx, "f1")
		if c != nil && c.ExpiresAt.After(first.ExpiresAt) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("claim never renewed between ticks")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sensor.Calls() != 1 {
		t.Fatalf("sensor read %d times, no tick was due", sensor.Calls())
	}
	if err := h.ctrl.Stop(ctx, s.SessionID, ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestClaimLoss(t *testing.T) {
	ctx := context.Background()

	t.Run("adopted by another instance", func(t *testing.T) {
		fs := &faultyStore{}
		h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{}, withFaults(fs))
		s, err := h.ctrl.Start(ctx, fastConfig("f1"))
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		fs.onNextRenew(func(m *persistence.MemoryStore) {
			_ = m.ReleaseField(ctx, "f1", s.SessionID)
			if err := m.ClaimField(ctx, "f1", s.SessionID, "other-instance", time.Minute); err != nil {
				t.Error(err)
			}
		})
		waitLocalDone(t, h.ctrl, s.SessionID)

		got, _ := h.store.GetSession(ctx, s.SessionID)
		if got.Status != entities.StatusActive {
			t.Fatalf("status = %s, the new owner finishes the session", got.Status)
		}
		if h.gate.count("close") != 0 {
			t.Fatal("gate closed by a loop that lost its claim")
		}
	})

	t.Run("taken by another session", func(t *testing.T) {
		fs := &faultyStore{}
		h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{}, withFaults(fs))
		s, err := h.ctrl.Start(ctx, fastConfig("f1"))
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		fs.onNextRenew(func(m *persistence.MemoryStore) {
			_ = m.ReleaseField(ctx, "f1", s.SessionID)
			if err := m.ClaimField(ctx, "f1", "intruder", "other-instance", time.Minute); err != nil {
				t.Error(err)
			}
		})

		final := waitTerminal(t, h.ctrl, s.SessionID)
		if final.Status != entities.StatusFailed || final.Reason != entities.ReasonOrphaned {
			t.Fatalf("status=%s reason=%s", final.Status, final.Reason)
		}
		if h.gate.count("close") != 0 {
			t.Fatal("gate of the new holder was closed")
		}
		if c, _ := h.store.GetClaim(ctx, "f1"); c == nil || c.SessionID != "intruder" {
			t.Fatalf("claim of the new holder touched: %+v", c)
		}
		if _, err := h.store.GetPerformanceRecord(ctx, s.SessionID); err != nil {
			t.Fatalf("orphan has no performance record: %v", err)
		}
	})

	t.Run("claim vanished", func(t *testing.T) {
		fs := &faultyStore{}
		h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{}, withFaults(fs))
		s, err := h.ctrl.Start(ctx, fastConfig("f1"))
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		fs.onNextRenew(func(m *persistence.MemoryStore) { _ = m.ReleaseField(ctx, "f1", s.SessionID) })

		final := waitTerminal(t, h.ctrl, s.SessionID)
		if final.Status != entities.StatusFailed || final.Reason != entities.ReasonOrphaned {
			t.Fatalf("status=%s reason=%s", final.Status, final.Reason)
		}
		if h.gate.count("close") != 1 {
			t.Fatal("unowned field left with an open gate")
		}
	})
}

func TestStoreOutageFailsSession(t *testing.T) {
	outage := fmt.Errorf("%w: connection refused", model.ErrStoreUnavailable)
	cases := []struct {
		name   string
		faults *faultyStore
	}{
		{name: "anomaly write", faults: &faultyStore{anomalyErr: outage}},
		{name: "sample write", faults: &faultyStore{sampleErr: outage}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{}, withFaults(tc.faults))
			cfg := fastConfig("f1")
			cfg.MinFlowRateCmPerMin = 0.1

			s, err := h.ctrl.Start(context.Background(), cfg)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			final := waitTerminal(t, h.ctrl, s.SessionID)
			if final.Status != entities.StatusFailed || final.Reason != entities.ReasonInternalError {
				t.Fatalf("status=%s reason=%s", final.Status, final.Reason)
			}
			if h.gate.count("close") != 1 {
				t.Fatal("gate not closed")
			}
		})
	}

	// other write errors are logged and the loop goes on
	fs := &faultyStore{anomalyErr: errBoom}
	h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{}, withFaults(fs))
	cfg := fastConfig("f1")
	cfg.MinFlowRateCmPerMin = 0.1
	s, err := h.ctrl.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitTerminal(t, h.ctrl, s.SessionID)
	if final.Reason != string(entities.AnomalyNoRise) {
		t.Fatalf("status=%s reason=%s", final.Status, final.Reason)
	}
}

func TestShutdownDetachesLoops(t *testing.T) {
	h := newHarness(t, &scriptedSensor{levels: []float64{5}}, &fakeGate{})
	ctx := context.Background()

	s, err := h.ctrl.Start(ctx, fastConfig("f1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.ctrl.Shutdown()

	if len(h.ctrl.ActiveLocal()) != 0 {
		t.Fatal("loops still registered after shutdown")
	}
	got, _ := h.store.GetSession(ctx, s.SessionID)
	if got.Status != entities.StatusActive {
		t.Fatalf("status = %s", got.Status)
	}
	if h.gate.count("close") != 0 {
		t.Fatal("shutdown must not close gates")
	}
}

func TestReconcile(t *testing.T) {
	h := newHarness(t, &scriptedSensor{levels: []float64{6, 7, 8}}, &fakeGate{})
	ctx := context.Background()
	now := time.Now()

	resumable := entities.IrrigationSession{
		SessionID: "resume-me", FieldID: "f1", Status: entities.StatusActive,
		StartTime: now, InitialLevelCm: 5, TargetLevelCm: 8, CurrentLevelCm: 5,
		Config: fastConfig("f1"),
	}
	stale := entities.IrrigationSession{
		SessionID: "too-old", FieldID: "f2", Status: entities.StatusActive,
		StartTime: now.Add(-2 * time.Hour), InitialLevelCm: 5, TargetLevelCm: 8, CurrentLevelCm: 6,
		Config: fastConfig("f2"),
	}
	owned := entities.IrrigationSession{
		SessionID: "owned", FieldID: "f3", Status: entities.StatusActive,
		StartTime: now, InitialLevelCm: 5, TargetLevelCm: 8, CurrentLevelCm: 5,
		Config: fastConfig("f3"),
	}
	for _, s := range []entities.IrrigationSession{resumable, stale, owned} {
		if err := h.store.PutSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.store.ClaimField(ctx, "f3", "owned", "other-instance", time.Minute); err != nil {
		t.Fatal(err)
	}

	rep, err := h.ctrl.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(rep.Resumed) != 1 || rep.Resumed[0] != "resume-me" {
		t.Fatalf("resumed = %v", rep.Resumed)
	}
	if len(rep.Orphaned) != 1 || rep.Orphaned[0] != "too-old" {
		t.Fatalf("orphaned = %v", rep.Orphaned)
	}
	if rep.Skipped != 1 {
		t.Fatalf("skipped = %d", rep.Skipped)
	}

	old, _ := h.store.GetSession(ctx, "too-old")
	if old.Status != entities.StatusFailed || old.Reason != entities.ReasonOrphaned {
		t.Fatalf("orphan status=%s reason=%s", old.Status, old.Reason)
	}
	if _, err := h.store.GetPerformanceRecord(ctx, "too-old"); err != nil {
		t.Fatalf("orphan has no performance record: %v", err)
	}

	final := waitTerminal(t, h.ctrl, "resume-me")
	if final.Status != entities.StatusCompleted {
		t.Fatalf("resumed status=%s reason=%s", final.Status, final.Reason)
	}
	if h.gate.count("open") != 0 {
		t.Fatal("resume must not reopen the gate")
	}

	// a second pass finds only the session owned elsewhere
	rep, err = h.ctrl.Reconcile(ctx)
	if err != nil || len(rep.Resumed)+len(rep.Orphaned) != 0 || rep.Skipped != 1 {
		t.Fatalf("second pass = %+v, %v", rep, err)
	}
}
