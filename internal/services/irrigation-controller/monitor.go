package irrigation_controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/messages"
)

// defaultAreaHa is used for volume accounting when the field area is unknown.
const defaultAreaHa = 1.0

// ===================== Runner =====================

// sessionRunner owns one session's loop state. Only its goroutine touches the fields below stopMu.
type sessionRunner struct {
	c      *Controller
	logger *zap.SugaredLogger

	stopMu     sync.Mutex
	stopReason string
	stopCh     chan struct{}
	done       chan struct{}

	session  entities.IrrigationSession
	field    entities.Field
	history  *LevelHistory
	streak   int
	prevAt   time.Time // timestamp of the previous reading
	prevWall time.Time // local time of the previous reading
}

func newSessionRunner(c *Controller, s entities.IrrigationSession) *sessionRunner {
	field, ok := c.fields.Lookup(s.FieldID)
	if !ok || field.AreaHectares <= 0 {
		c.logger.Warnw("field area unknown, volume accounted on 1 ha", "field_id", s.FieldID)
		field = entities.Field{ID: s.FieldID, AreaHectares: defaultAreaHa, SoilType: field.SoilType}
	}
	h := NewLevelHistory()
	at := s.LastReadingAt
	if at.IsZero() {
		at = s.StartTime
	}
	h.Append(LevelPoint{At: at, LevelCm: s.CurrentLevelCm})

	return &sessionRunner{
		c:        c,
		logger:   c.logger.With("session_id", s.SessionID, "field_id", s.FieldID),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		session:  s,
		field:    field,
		history:  h,
		prevAt:   at,
		prevWall: c.now(),
	}
}

// requestStop asks the loop to cancel the session; only the first reason counts.
func (r *sessionRunner) requestStop(reason string) {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.stopReason != "" {
		return
	}
	r.stopReason = reason
	close(r.stopCh)
}

func (r *sessionRunner) reason() string {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	return r.stopReason
}

// run ticks until the session is finalized, the claim is lost or ctx is cancelled (shutdown).
// The claim is renewed on its own heartbeat, independent of the check interval.
func (r *sessionRunner) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.session.Config.CheckInterval())
	defer ticker.Stop()
	heartbeat := time.NewTicker(r.c.heartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Infow("monitoring loop detached on shutdown")
			return
		case <-r.stopCh:
			r.finish(entities.StatusCancelled, r.reason())
			return
		case <-heartbeat.C:
			if r.renew(ctx) {
				return
			}
		case <-ticker.C:
			if r.tick(ctx) {
				return
			}
		}
	}
}

// ===================== Lease =====================

// renew extends the field claim and reports whether the loop must end.
func (r *sessionRunner) renew(ctx context.Context) (finished bool) {
	err := r.c.store.RenewClaim(ctx, r.session.FieldID, r.session.SessionID, r.c.opts.InstanceID, r.c.leaseTTL(r.session.Config))
	switch {
	case err == nil:
		return false
	case errors.Is(err, model.ErrClaimLost):
		r.claimLost(ctx)
		return true
	case ctx.Err() != nil:
		return true
	default:
		r.logger.Errorw("claim renewal failed", "error", err)
		r.finish(entities.StatusFailed, entities.ReasonInternalError)
		return true
	}
}

// claimLost settles the session after its claim was refused.
//   - same session, other owner: another instance adopted it, leave it alone
//   - other session: the field was taken over, fail ours without touching the gate
//   - no claim: finalized elsewhere, or nobody owns the field and ours is failed
func (r *sessionRunner) claimLost(ctx context.Context) {
	claim, err := r.c.store.GetClaim(ctx, r.session.FieldID)
	if err != nil {
		r.logger.Errorw("claim lost, holder unknown", "error", err)
		return
	}
	switch {
	case claim != nil && claim.SessionID == r.session.SessionID:
		r.logger.Warnw("field claim lost, leaving session to its new owner", "owner", claim.Owner)
	case claim != nil:
		r.logger.Errorw("field taken by another session", "holder", claim.SessionID, "owner", claim.Owner)
		r.c.finalizeOrphan(&r.session)
	default:
		cur, err := r.c.store.GetSession(ctx, r.session.SessionID)
		if err == nil && cur.Status.Terminal() {
			r.logger.Infow("session finalized elsewhere, leaving loop", "status", cur.Status)
			return
		}
		r.logger.Errorw("field claim vanished")
		r.finish(entities.StatusFailed, entities.ReasonOrphaned)
	}
}

// ===================== Tick =====================

// tick runs one monitoring cycle and reports whether the loop must end.
func (r *sessionRunner) tick(ctx context.Context) (finished bool) {
	start := r.c.now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Errorw("monitoring tick panicked", "panic", fmt.Sprint(p))
			r.finish(entities.StatusFailed, entities.ReasonInternalError)
			finished = true
		}
		r.c.metrics.tickDuration.Observe(time.Since(start).Seconds())
	}()

	// 1) lease
	if r.renew(ctx) {
		return true
	}

	// 2) read
	now := r.c.now()
	reading, readErr := r.read(ctx)

	obs := Observation{
		SessionID: r.session.SessionID,
		FieldID:   r.session.FieldID,
		At:        now,
	}
	if readErr != nil {
		obs.ReadFailed = true
		obs.ReadError = readErr.Error()
	} else {
		// 3) flow
		at := readingTime(reading, now)
		flow := r.flowRate(reading.LevelCm, at, now)
		prev, _ := r.history.Last()

		// 4) record
		r.history.Append(LevelPoint{At: at, LevelCm: reading.LevelCm})
		obs.History = r.history.Points()
		r.streak = nextLowFlowStreak(r.streak, flow, r.session.Config.MinFlowRateCmPerMin)
		r.prevAt, r.prevWall = at, now

		r.session.CurrentLevelCm = reading.LevelCm
		r.session.CurrentFlowRateCmPerMin = flow
		r.session.LastReadingAt = at
		r.session.AccumulatedVolumeLiters = r.field.VolumeLiters(reading.LevelCm - r.session.InitialLevelCm)

		sample := entities.MonitoringSample{
			SessionID:        r.session.SessionID,
			FieldID:          r.session.FieldID,
			RecordedAt:       now,
			LevelCm:          reading.LevelCm,
			FlowRateCmPerMin: flow,
			Source:           reading.Source,
		}
		if err := r.c.store.AppendMonitoringSample(ctx, sample); err != nil {
			if errors.Is(err, model.ErrStoreUnavailable) {
				r.logger.Errorw("sample not persisted, store unavailable", "error", err)
				r.finish(entities.StatusFailed, entities.ReasonInternalError)
				return true
			}
			r.logger.Warnw("sample not persisted", "error", err)
		}

		obs.CurrentCm = reading.LevelCm
		obs.PreviousCm = prev.LevelCm
		obs.HasPrevious = true
		obs.FlowRate = flow
		obs.LowFlowStreak = r.streak
	}

	// 5) anomalies
	anomalies := r.c.detector.Evaluate(r.session.Config, obs)
	for _, a := range anomalies {
		if err := r.record(ctx, a); err != nil {
			r.finish(entities.StatusFailed, entities.ReasonInternalError)
			return true
		}
	}
	if winner, ok := TerminalAnomaly(anomalies); ok {
		r.finish(entities.StatusFailed, string(winner.Type))
		return true
	}

	// 6) target
	if r.session.Config.TargetReached(r.session.CurrentLevelCm) {
		r.finish(entities.StatusCompleted, entities.ReasonTargetReached)
		return true
	}

	// 7) timeout
	if now.Sub(r.session.StartTime) > r.session.Config.MaxDuration() {
		r.finish(entities.StatusFailed, entities.ReasonTimeout)
		return true
	}

	// 8) snapshot
	if err := r.c.store.PutSession(ctx, r.session); err != nil {
		if errors.Is(err, model.ErrClaimLost) {
			r.logger.Infow("session finalized elsewhere, leaving loop")
			return true
		}
		r.logger.Warnw("session snapshot not persisted", "error", err)
	}
	return false
}

// read asks the primary provider and, if the policy allows it, the backup once.
func (r *sessionRunner) read(ctx context.Context) (entities.WaterLevelReading, error) {
	sctx, cancel := context.WithTimeout(ctx, r.c.opts.SensorTimeout)
	reading, err := r.c.sensors.GetWaterLevel(sctx, r.session.FieldID)
	cancel()
	if err == nil {
		return reading, nil
	}
	r.c.metrics.sensorFailures.WithLabelValues("primary").Inc()
	r.logger.Warnw("water level read failed", "error", err)

	if !r.c.opts.BackupOnFailure || r.c.backup == nil {
		return entities.WaterLevelReading{}, err
	}
	bctx, bcancel := context.WithTimeout(ctx, r.c.opts.SensorTimeout)
	defer bcancel()
	reading, berr := r.c.backup.GetWaterLevel(bctx, r.session.FieldID)
	if berr != nil {
		r.c.metrics.sensorFailures.WithLabelValues("backup").Inc()
		return entities.WaterLevelReading{}, fmt.Errorf("%v; backup: %w", err, berr)
	}
	reading.Source = entities.SourceFallback
	r.logger.Infow("using backup water level", "level_cm", reading.LevelCm)
	return reading, nil
}

// flowRate is the level change per minute since the previous reading.
// Sensor timestamps are used when they advance; otherwise the local clock.
func (r *sessionRunner) flowRate(levelCm float64, at, now time.Time) float64 {
	prev, ok := r.history.Last()
	if !ok {
		return 0
	}
	dt := at.Sub(r.prevAt)
	if dt <= 0 {
		dt = now.Sub(r.prevWall)
	}
	if dt <= 0 {
		return 0
	}
	return (levelCm - prev.LevelCm) / dt.Minutes()
}

// record stores, publishes and logs one anomaly. It fails only when the store is unavailable:
// an anomaly that cannot be kept must not go unnoticed.
func (r *sessionRunner) record(ctx context.Context, a entities.AnomalyRecord) error {
	r.session.AnomaliesDetected++
	r.c.metrics.anomalies.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	if err := r.c.store.AppendAnomaly(ctx, a); err != nil {
		if errors.Is(err, model.ErrStoreUnavailable) {
			r.logger.Errorw("anomaly not persisted, store unavailable", "type", a.Type, "error", err)
			return err
		}
		r.logger.Warnw("anomaly not persisted", "type", a.Type, "error", err)
	}
	r.c.publish(r.c.opts.AnomalyTopic, r.session, messages.AnomalyEvent{
		SessionID:   a.SessionID,
		FieldID:     a.FieldID,
		Type:        string(a.Type),
		Severity:    string(a.Severity),
		Description: a.Description,
		Metrics:     a.Metrics,
		Timestamp:   a.DetectedAt.UTC(),
	})
	if a.Critical() {
		r.logger.Warnw("critical anomaly", "type", a.Type, "description", a.Description)
	} else {
		r.logger.Infow("anomaly", "type", a.Type, "description", a.Description)
	}
	return nil
}

func (r *sessionRunner) finish(status entities.SessionStatus, reason string) {
	r.c.finalize(&r.session, status, reason)
}

// ===================== Finalization =====================

// finalize closes the gate and records the terminal state. Only the first finalizer
// of a session (store compare-and-set) writes the performance record and the event.
func (c *Controller) finalize(s *entities.IrrigationSession, status entities.SessionStatus, reason string) {
	c.terminate(s, status, reason, true)
}

// finalizeOrphan fails a session whose field now belongs to another session.
// Gate and claim are the new holder's and are left untouched.
func (c *Controller) finalizeOrphan(s *entities.IrrigationSession) {
	c.terminate(s, entities.StatusFailed, entities.ReasonOrphaned, false)
}

func (c *Controller) terminate(s *entities.IrrigationSession, status entities.SessionStatus, reason string, ownsField bool) {
	log := c.logger.With("session_id", s.SessionID, "field_id", s.FieldID)
	ctx := context.WithoutCancel(c.baseCtx)

	// 1) gate close, always when the field is ours
	if ownsField {
		if err := c.closeGate(ctx, s.FieldID); err != nil {
			log.Errorw("gate close failed, water may still flow", "error", err)
			if status != entities.StatusFailed {
				status, reason = entities.StatusFailed, entities.ReasonActuationFailed
			}
		}
	}

	// 2) transition
	s.Finish(status, reason, c.now())

	// 3) durable terminal state
	won, err := c.store.FinalizeSession(ctx, *s)
	if err != nil {
		// claim is kept: it lapses and reconcile finishes the job
		log.Errorw("terminal state not persisted", "status", status, "error", err)
		return
	}
	if !won {
		log.Infow("session already finalized")
		return
	}

	// 4) performance
	perf := buildPerformance(*s)
	if err := c.store.PutPerformanceRecord(ctx, perf); err != nil {
		log.Errorw("performance record not persisted", "error", err)
	}

	// 5) claim
	if ownsField {
		if err := c.store.ReleaseField(ctx, s.FieldID, s.SessionID); err != nil {
			log.Warnw("claim release failed", "error", err)
		}
	}

	// 6) event
	c.metrics.sessionsFinished.WithLabelValues(string(status), reason).Inc()
	c.publish(c.opts.SessionTopic, *s, messages.SessionTerminatedEvent{
		SessionID:       s.SessionID,
		FieldID:         s.FieldID,
		Status:          string(status),
		Reason:          reason,
		AchievedLevelCm: s.CurrentLevelCm,
		VolumeLiters:    perf.WaterVolumeLiters,
		EfficiencyScore: perf.EfficiencyScore,
		StartedAt:       s.StartTime.UTC(),
		Timestamp:       s.EndTime.UTC(),
	})
	log.Infow("irrigation session finished",
		"status", status, "reason", reason, "level_cm", s.CurrentLevelCm,
		"volume_l", perf.WaterVolumeLiters, "efficiency", perf.EfficiencyScore)
}

// closeGate retries with exponential backoff until the gate acknowledges or the window elapses.
func (c *Controller) closeGate(ctx context.Context, fieldID string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.opts.CloseRetryWindow

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		gctx, cancel := context.WithTimeout(ctx, c.opts.GateTimeout)
		defer cancel()
		res, err := c.gates.Close(gctx, fieldID)
		if err == nil && !res.Accepted {
			err = fmt.Errorf("gate rejected close: %s", res.Message)
		}
		if err != nil {
			c.logger.Warnw("gate close attempt failed", "field_id", fieldID, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		c.metrics.gateCommands.WithLabelValues("close", "failed").Inc()
		return err
	}
	c.metrics.gateCommands.WithLabelValues("close", "ok").Inc()
	return nil
}

// ===================== Performance =====================

func buildPerformance(s entities.IrrigationSession) entities.PerformanceRecord {
	end := s.StartTime
	if s.EndTime != nil {
		end = *s.EndTime
	}
	minutes := end.Sub(s.StartTime).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	avgFlow := 0.0
	if minutes > 0 {
		avgFlow = (s.CurrentLevelCm - s.InitialLevelCm) / minutes
	}
	return entities.PerformanceRecord{
		SessionID:            s.SessionID,
		FieldID:              s.FieldID,
		Status:               s.Status,
		Reason:               s.Reason,
		StartTime:            s.StartTime,
		EndTime:              end,
		InitialLevelCm:       s.InitialLevelCm,
		TargetLevelCm:        s.TargetLevelCm,
		AchievedLevelCm:      s.CurrentLevelCm,
		TotalDurationMinutes: minutes,
		WaterVolumeLiters:    s.AccumulatedVolumeLiters,
		AvgFlowRateCmPerMin:  avgFlow,
		EfficiencyScore:      efficiencyScore(s, minutes),
	}
}

// efficiencyScore weighs how much of the requested rise was achieved (70%)
// and, for sessions that reached the target, how quickly (30%).
func efficiencyScore(s entities.IrrigationSession, minutes float64) float64 {
	wanted := s.TargetLevelCm - s.InitialLevelCm
	level := 1.0
	if wanted > 0 {
		level = clamp01((s.CurrentLevelCm - s.InitialLevelCm) / wanted)
	}
	timeScore := 0.0
	if s.Config.TargetReached(s.CurrentLevelCm) && s.Config.MaxDurationMinutes > 0 {
		timeScore = 1 - math.Min(minutes/s.Config.MaxDurationMinutes, 1)
	}
	return clamp01(0.7*level + 0.3*timeScore)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
