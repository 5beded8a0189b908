package sensor_simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	awdlog "github.com/LeonardoBeccarini/awd_irrigation/internal/log"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/awd_irrigation/pkg/dedup"
	"github.com/LeonardoBeccarini/awd_irrigation/pkg/rabbitmq"
)

// LevelSimulator is the water level sensor of one field. It follows the gate through
// its state events and publishes readings on sensor/water-level/{field}.
type LevelSimulator struct {
	fieldID   string
	sensorID  string
	topic     string
	generator *LevelGenerator
	publisher rabbitmq.IPublisher
	consumer  rabbitmq.IConsumer
	deduper   *dedup.Deduper
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu     sync.RWMutex
	latest *messages.WaterLevelData
}

func NewLevelSimulator(fieldID, sensorID string, consumer rabbitmq.IConsumer, publisher rabbitmq.IPublisher,
	gen *LevelGenerator, logger *zap.SugaredLogger) *LevelSimulator {
	logger = awdlog.OrNop(logger)
	return &LevelSimulator{
		fieldID:   fieldID,
		sensorID:  sensorID,
		topic:     "sensor/water-level/" + fieldID,
		generator: gen,
		publisher: publisher,
		consumer:  consumer,
		deduper:   dedup.New(2*time.Minute, 10000), // TTL e cap
		logger:    logger.With("field_id", fieldID, "sensor_id", sensorID),
		now:       time.Now,
	}
}

// Start avvia la ricezione degli eventi della paratoia e la pubblicazione a intervalli regolari.
func (s *LevelSimulator) Start(ctx context.Context, interval time.Duration) {
	if s.consumer != nil {
		s.consumer.SetHandler(s.handleMessage)
		go s.consumer.ConsumeMessage(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.PublishOnce(); err != nil {
				s.logger.Warnw("publish error", "error", err)
			}
		}
	}
}

// PublishOnce samples the generator and publishes one reading.
func (s *LevelSimulator) PublishOnce() error {
	d := s.generator.Next(s.fieldID, s.sensorID, s.now())
	s.mu.Lock()
	s.latest = &d
	s.mu.Unlock()

	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	s.logger.Debugw("level published", "level_cm", d.LevelCm)
	if s.publisher == nil {
		return nil
	}
	return s.publisher.PublishTo(s.topic, 1, false, payload)
}

func (s *LevelSimulator) handleMessage(_ string, msg mqtt.Message) error {
	// Dedup a payload: redelivery QoS1 ha lo stesso payload → stesso hash
	if !s.deduper.ShouldProcess(dedup.PayloadKey(msg.Payload())) {
		return nil
	}
	var evt messages.GateStateChangedEvent
	if err := json.Unmarshal(msg.Payload(), &evt); err != nil {
		return fmt.Errorf("invalid GateStateChangedEvent: %w", err)
	}
	if evt.FieldID != s.fieldID {
		return nil
	}
	flow := 0.0
	if evt.NewState == entities.GateOpen {
		flow = evt.FlowM3s
	}
	s.generator.SetGateFlow(flow, s.now())
	s.logger.Infow("gate state applied", "state", evt.NewState, "flow_m3s", flow, "command_id", evt.CommandID)
	return nil
}

// Latest returns the last published reading.
func (s *LevelSimulator) Latest() (messages.WaterLevelData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return messages.WaterLevelData{}, false
	}
	return *s.latest, true
}

// ===================== HTTP =====================

// Router serves GET /fields/{id}/water-level for the controller's HTTP sensor provider.
func (s *LevelSimulator) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/fields/{id}/water-level", s.getLevel).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

func (s *LevelSimulator) getLevel(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimSpace(mux.Vars(req)["id"])
	d, ok := s.Latest()
	if id != s.fieldID || !ok {
		http.Error(w, "no water level for field "+id, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d)
}
