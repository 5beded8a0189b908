package irrigation_controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	awdlog "github.com/LeonardoBeccarini/awd_irrigation/internal/log"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/messages"
)

// ===================== Collaborators =====================

// SensorReadingProvider returns the latest water level of a field.
type SensorReadingProvider interface {
	GetWaterLevel(ctx context.Context, fieldID string) (entities.WaterLevelReading, error)
}

// GateControlClient drives the delivery gate of a field (SCADA).
type GateControlClient interface {
	Open(ctx context.Context, fieldID string, flowM3s float64) (entities.GateCommandResult, error)
	Close(ctx context.Context, fieldID string) (entities.GateCommandResult, error)
}

// SessionStore is the durable state shared by all controller instances.
// ClaimField/RenewClaim/FinalizeSession are the atomic operations exclusivity relies on.
type SessionStore interface {
	ClaimField(ctx context.Context, fieldID, sessionID, owner string, ttl time.Duration) error
	RenewClaim(ctx context.Context, fieldID, sessionID, owner string, ttl time.Duration) error
	ReleaseField(ctx context.Context, fieldID, sessionID string) error
	GetClaim(ctx context.Context, fieldID string) (*entities.FieldClaim, error)

	PutSession(ctx context.Context, s entities.IrrigationSession) error
	GetSession(ctx context.Context, sessionID string) (entities.IrrigationSession, error)
	FinalizeSession(ctx context.Context, s entities.IrrigationSession) (bool, error)
	ListActiveSessions(ctx context.Context) ([]entities.IrrigationSession, error)

	AppendMonitoringSample(ctx context.Context, s entities.MonitoringSample) error
	AppendAnomaly(ctx context.Context, a entities.AnomalyRecord) error
	PutPerformanceRecord(ctx context.Context, p entities.PerformanceRecord) error

	ListMonitoringSamples(ctx context.Context, sessionID string) ([]entities.MonitoringSample, error)
	ListAnomalies(ctx context.Context, sessionID string) ([]entities.AnomalyRecord, error)
	GetPerformanceRecord(ctx context.Context, sessionID string) (entities.PerformanceRecord, error)
}

// AlertPublisher emits domain events. Publish must not block the caller.
type AlertPublisher interface {
	Publish(topic string, event any)
}

// FieldCatalog resolves field metadata (area, soil).
type FieldCatalog interface {
	Lookup(fieldID string) (entities.Field, bool)
}

// ===================== Options =====================

type Options struct {
	InstanceID       string
	ClaimTTL         time.Duration
	SensorTimeout    time.Duration
	GateTimeout      time.Duration
	CloseRetryWindow time.Duration

	// BackupOnFailure retries a failed tick read once on the Backup provider.
	BackupOnFailure bool

	AnomalyTopic string // e.g. "irrigation/anomaly/{field}/{session}"
	SessionTopic string // e.g. "irrigation/session/{field}/{session}"
}

func (o *Options) applyDefaults() {
	if o.InstanceID == "" {
		o.InstanceID = "controller-" + uuid.NewString()[:8]
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 30 * time.Second
	}
	if o.SensorTimeout <= 0 {
		o.SensorTimeout = 5 * time.Second
	}
	if o.GateTimeout <= 0 {
		o.GateTimeout = 5 * time.Second
	}
	if o.CloseRetryWindow <= 0 {
		o.CloseRetryWindow = 30 * time.Second
	}
	if o.AnomalyTopic == "" {
		o.AnomalyTopic = "irrigation/anomaly/{field}/{session}"
	}
	if o.SessionTopic == "" {
		o.SessionTopic = "irrigation/session/{field}/{session}"
	}
}

// Dependencies groups the injected collaborators. Backup, Alerts, Fields, Metrics and Logger are optional.
type Dependencies struct {
	Sensors SensorReadingProvider
	Backup  SensorReadingProvider
	Gates   GateControlClient
	Store   SessionStore
	Alerts  AlertPublisher
	Fields  FieldCatalog
	Metrics *Metrics
	Logger  *zap.SugaredLogger
}

// ===================== Controller =====================

type Controller struct {
	sensors  SensorReadingProvider
	backup   SensorReadingProvider
	gates    GateControlClient
	store    SessionStore
	alerts   AlertPublisher
	fields   FieldCatalog
	metrics  *Metrics
	logger   *zap.SugaredLogger
	detector AnomalyDetector
	opts     Options
	now      func() time.Time

	// one runner per session monitored by this instance
	mu   sync.Mutex
	runs map[string]*sessionRunner

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ===================== ctor =====================

func NewController(deps Dependencies, opts Options) (*Controller, error) {
	if deps.Sensors == nil {
		return nil, errors.New("sensor provider is nil")
	}
	if deps.Gates == nil {
		return nil, errors.New("gate client is nil")
	}
	if deps.Store == nil {
		return nil, errors.New("session store is nil")
	}
	opts.applyDefaults()

	alerts := deps.Alerts
	if alerts == nil {
		alerts = discardPublisher{}
	}
	fields := deps.Fields
	if fields == nil {
		fields = NewFieldRegistry(nil)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger := awdlog.OrNop(deps.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		sensors: deps.Sensors,
		backup:  deps.Backup,
		gates:   deps.Gates,
		store:   deps.Store,
		alerts:  alerts,
		fields:  fields,
		metrics: metrics,
		logger:  logger.With("instance", opts.InstanceID),
		opts:    opts,
		now:     time.Now,
		runs:    make(map[string]*sessionRunner),
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// InstanceID is the owner name written on field claims.
func (c *Controller) InstanceID() string { return c.opts.InstanceID }

// ===================== Start =====================

// Start claims the field, opens the gate and launches the monitoring loop.
func (c *Controller) Start(ctx context.Context, cfg entities.IrrigationConfig) (entities.IrrigationSession, error) {
	if err := cfg.Validate(); err != nil {
		return entities.IrrigationSession{}, fmt.Errorf("%w: %v", model.ErrInvalidConfig, err)
	}
	sessionID := uuid.NewString()
	log := c.logger.With("session_id", sessionID, "field_id", cfg.FieldID)

	// 1) claim (fail-fast)
	if err := c.store.ClaimField(ctx, cfg.FieldID, sessionID, c.opts.InstanceID, c.leaseTTL(cfg)); err != nil {
		if errors.Is(err, model.ErrFieldBusy) {
			log.Infow("start rejected, field busy")
		} else {
			log.Errorw("claim failed", "error", err)
		}
		return entities.IrrigationSession{}, err
	}

	// 2) initial reading
	sctx, scancel := context.WithTimeout(ctx, c.opts.SensorTimeout)
	reading, err := c.sensors.GetWaterLevel(sctx, cfg.FieldID)
	scancel()
	if err != nil {
		c.metrics.sensorFailures.WithLabelValues("primary").Inc()
		c.releaseQuietly(cfg.FieldID, sessionID)
		log.Warnw("start aborted, no initial reading", "error", err)
		return entities.IrrigationSession{}, fmt.Errorf("%w: %v", model.ErrSensorUnavailable, err)
	}

	// 3) flow target
	field, known := c.fields.Lookup(cfg.FieldID)
	flow, estimated := FlowTarget(cfg, field, known, reading.LevelCm)
	if estimated && !(known && field.HasGeometry()) {
		log.Warnw("no field metadata, using default gate flow", "flow_m3s", flow)
	}

	// 4) gate open; the command completes even if the caller goes away
	gctx, gcancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.GateTimeout)
	res, err := c.gates.Open(gctx, cfg.FieldID, flow)
	gcancel()
	if err != nil || !res.Accepted {
		c.metrics.gateCommands.WithLabelValues("open", "failed").Inc()
		if err != nil {
			// outcome unknown: make sure no water flows for an unclaimed field
			c.closeGateOnce(cfg.FieldID)
		} else {
			err = fmt.Errorf("gate rejected open: %s", res.Message)
		}
		c.releaseQuietly(cfg.FieldID, sessionID)
		log.Errorw("start aborted, gate open failed", "error", err)
		return entities.IrrigationSession{}, fmt.Errorf("%w: %v", model.ErrActuationFailed, err)
	}
	c.metrics.gateCommands.WithLabelValues("open", "ok").Inc()

	// 5) persist
	now := c.now()
	session := entities.IrrigationSession{
		SessionID:      sessionID,
		FieldID:        cfg.FieldID,
		Status:         entities.StatusActive,
		StartTime:      now,
		InitialLevelCm: reading.LevelCm,
		TargetLevelCm:  cfg.TargetLevelCm,
		CurrentLevelCm: reading.LevelCm,
		GateFlowM3s:    flow,
		GateCommandID:  res.CommandID,
		LastReadingAt:  readingTime(reading, now),
		Config:         cfg,
	}
	if err := c.store.PutSession(ctx, session); err != nil {
		c.closeGateOnce(cfg.FieldID)
		c.releaseQuietly(cfg.FieldID, sessionID)
		log.Errorw("start aborted, session not persisted", "error", err)
		if errors.Is(err, model.ErrStoreUnavailable) {
			return entities.IrrigationSession{}, err
		}
		return entities.IrrigationSession{}, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}

	c.metrics.sessionsStarted.Inc()
	c.publish(c.opts.SessionTopic, session, messages.SessionStartedEvent{
		SessionID:      sessionID,
		FieldID:        cfg.FieldID,
		InitialLevelCm: reading.LevelCm,
		TargetLevelCm:  cfg.TargetLevelCm,
		GateFlowM3s:    flow,
		FlowEstimated:  estimated,
		Timestamp:      now.UTC(),
	})
	log.Infow("irrigation session started",
		"initial_cm", reading.LevelCm, "target_cm", cfg.TargetLevelCm, "flow_m3s", flow, "command_id", res.CommandID)

	// 6) monitoring loop
	c.launch(session)
	return session, nil
}

// ===================== Stop =====================

// Stop cancels a session. Stopping a terminal session is a no-op.
func (c *Controller) Stop(ctx context.Context, sessionID, reason string) error {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return nil
	}
	if strings.TrimSpace(reason) == "" {
		reason = entities.ReasonOperatorStop
	}

	if run := c.runner(sessionID); run != nil {
		run.requestStop(reason)
		select {
		case <-run.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// not monitored here: restarted instance or another owner
	c.logger.Infow("stopping session without local loop", "session_id", sessionID, "field_id", session.FieldID)
	c.finalize(&session, entities.StatusCancelled, reason)
	return nil
}

// ===================== Read side =====================

// SessionView is the observable state of a session.
type SessionView struct {
	entities.IrrigationSession
	EstimatedCompletionTime *time.Time `json:"estimated_completion_time,omitempty"`
}

// GetSession reads the durable state; it never consults loop memory.
func (c *Controller) GetSession(ctx context.Context, sessionID string) (SessionView, error) {
	s, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{IrrigationSession: s, EstimatedCompletionTime: estimateCompletion(s, c.now())}, nil
}

func estimateCompletion(s entities.IrrigationSession, now time.Time) *time.Time {
	if s.Status.Terminal() || s.CurrentFlowRateCmPerMin <= 0 {
		return nil
	}
	remaining := s.TargetLevelCm - s.CurrentLevelCm
	if remaining < 0 {
		remaining = 0
	}
	eta := now.Add(time.Duration(remaining / s.CurrentFlowRateCmPerMin * float64(time.Minute)))
	return &eta
}

func (c *Controller) Samples(ctx context.Context, sessionID string) ([]entities.MonitoringSample, error) {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return c.store.ListMonitoringSamples(ctx, sessionID)
}

func (c *Controller) Anomalies(ctx context.Context, sessionID string) ([]entities.AnomalyRecord, error) {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return c.store.ListAnomalies(ctx, sessionID)
}

func (c *Controller) Performance(ctx context.Context, sessionID string) (entities.PerformanceRecord, error) {
	return c.store.GetPerformanceRecord(ctx, sessionID)
}

// ActiveLocal lists the sessions monitored by this instance.
func (c *Controller) ActiveLocal() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.runs))
	for id := range c.runs {
		out = append(out, id)
	}
	return out
}

// ===================== Shutdown =====================

// Shutdown stops every local loop without finalizing: claims lapse and another instance reconciles.
func (c *Controller) Shutdown() {
	c.cancel()
	c.wg.Wait()
}

// ===================== helpers =====================

func (c *Controller) launch(session entities.IrrigationSession) {
	r := newSessionRunner(c, session)
	c.mu.Lock()
	c.runs[session.SessionID] = r
	c.mu.Unlock()
	c.metrics.sessionsActive.Inc()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.forget(session.SessionID)
		r.run(c.baseCtx)
	}()
}

// leaseTTL is ClaimTTL, stretched so a claim outlives two check intervals plus a sensor read.
func (c *Controller) leaseTTL(cfg entities.IrrigationConfig) time.Duration {
	ttl := 2*cfg.CheckInterval() + c.opts.SensorTimeout
	if ttl < c.opts.ClaimTTL {
		ttl = c.opts.ClaimTTL
	}
	return ttl
}

// heartbeatInterval is how often a loop renews its claim between ticks.
func (c *Controller) heartbeatInterval() time.Duration {
	return c.opts.ClaimTTL / 3
}

func (c *Controller) runner(sessionID string) *sessionRunner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[sessionID]
}

func (c *Controller) forget(sessionID string) {
	c.mu.Lock()
	if _, ok := c.runs[sessionID]; ok {
		delete(c.runs, sessionID)
		c.metrics.sessionsActive.Dec()
	}
	c.mu.Unlock()
}

func (c *Controller) releaseQuietly(fieldID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SensorTimeout)
	defer cancel()
	if err := c.store.ReleaseField(ctx, fieldID, sessionID); err != nil {
		c.logger.Warnw("claim release failed", "field_id", fieldID, "session_id", sessionID, "error", err)
	}
}

func (c *Controller) closeGateOnce(fieldID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.GateTimeout)
	defer cancel()
	if _, err := c.gates.Close(ctx, fieldID); err != nil {
		c.metrics.gateCommands.WithLabelValues("close", "failed").Inc()
		c.logger.Errorw("gate close failed", "field_id", fieldID, "error", err)
		return
	}
	c.metrics.gateCommands.WithLabelValues("close", "ok").Inc()
}

func (c *Controller) publish(tmpl string, s entities.IrrigationSession, evt any) {
	topic := strings.NewReplacer("{field}", s.FieldID, "{session}", s.SessionID).Replace(tmpl)
	c.alerts.Publish(topic, evt)
}

// readingTime prefers the sensor timestamp and falls back to the local clock.
func readingTime(r entities.WaterLevelReading, now time.Time) time.Time {
	if r.Timestamp.IsZero() {
		return now
	}
	return r.Timestamp
}

type discardPublisher struct{}

func (discardPublisher) Publish(string, any) {}
