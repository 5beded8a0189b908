package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	awdlog "github.com/LeonardoBeccarini/awd_irrigation/internal/log"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/awd_irrigation/pkg/rabbitmq"
)

// Simulator implementa GateService in memoria e pubblica ogni cambio di stato su MQTT.
type Simulator struct {
	mu        sync.Mutex
	gates     map[string]Status
	known     map[string]bool
	maxFlow   float64
	publisher rabbitmq.IPublisher
	topicTmpl string // es. "event/gate/{field}"
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewSimulator: fields vuoto accetta qualsiasi field, maxFlow <= 0 nessun limite.
func NewSimulator(publisher rabbitmq.IPublisher, topicTmpl string, fields []string, maxFlow float64, logger *zap.SugaredLogger) *Simulator {
	if strings.TrimSpace(topicTmpl) == "" {
		topicTmpl = "event/gate/{field}"
	}
	logger = awdlog.OrNop(logger)
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			known[f] = true
		}
	}
	return &Simulator{
		gates:     make(map[string]Status),
		known:     known,
		maxFlow:   maxFlow,
		publisher: publisher,
		topicTmpl: topicTmpl,
		logger:    logger,
		now:       time.Now,
	}
}

var _ GateServer = (*Simulator)(nil)

// ============== RPC: Open ==============

func (s *Simulator) Open(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fid := strings.TrimSpace(req.GetFields()["field_id"].GetStringValue())
	flow := req.GetFields()["flow_m3s"].GetNumberValue()
	if fid == "" {
		return nil, status.Error(codes.InvalidArgument, "field_id is required")
	}
	if !s.accepts(fid) {
		return commandResponse(entities.GateCommandResult{Message: fmt.Sprintf("unknown field %s", fid)}), nil
	}
	if flow <= 0 {
		return commandResponse(entities.GateCommandResult{Message: "flow_m3s must be > 0"}), nil
	}
	if s.maxFlow > 0 && flow > s.maxFlow {
		return commandResponse(entities.GateCommandResult{
			Message: fmt.Sprintf("flow %.3f m3/s above gate capacity %.3f", flow, s.maxFlow),
		}), nil
	}
	st := s.transition(fid, entities.GateOpen, flow)
	s.logger.Infow("gate opened", "field_id", fid, "flow_m3s", flow, "command_id", st.CommandID)
	return commandResponse(entities.GateCommandResult{Accepted: true, CommandID: st.CommandID}), nil
}

// ============== RPC: Close ==============

// Close is idempotent: closing a closed gate is accepted.
func (s *Simulator) Close(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fid := strings.TrimSpace(req.GetFields()["field_id"].GetStringValue())
	if fid == "" {
		return nil, status.Error(codes.InvalidArgument, "field_id is required")
	}
	if !s.accepts(fid) {
		return commandResponse(entities.GateCommandResult{Message: fmt.Sprintf("unknown field %s", fid)}), nil
	}
	st := s.transition(fid, entities.GateClosed, 0)
	s.logger.Infow("gate closed", "field_id", fid, "command_id", st.CommandID)
	return commandResponse(entities.GateCommandResult{Accepted: true, CommandID: st.CommandID}), nil
}

// ============== RPC: Status ==============

func (s *Simulator) Status(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fid := strings.TrimSpace(req.GetFields()["field_id"].GetStringValue())
	if fid == "" {
		return nil, status.Error(codes.InvalidArgument, "field_id is required")
	}
	if !s.accepts(fid) {
		return nil, status.Errorf(codes.NotFound, "unknown field %s", fid)
	}
	return statusResponse(s.Snapshot(fid)), nil
}

// Snapshot returns the current state of a gate; never-commanded gates are closed.
func (s *Simulator) Snapshot(fieldID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.gates[fieldID]
	if !ok {
		return Status{FieldID: fieldID, State: entities.GateClosed}
	}
	return st
}

func (s *Simulator) accepts(fieldID string) bool {
	return len(s.known) == 0 || s.known[fieldID]
}

func (s *Simulator) transition(fieldID string, state entities.GateState, flow float64) Status {
	s.mu.Lock()
	st := Status{
		FieldID:   fieldID,
		State:     state,
		FlowM3s:   flow,
		CommandID: uuid.New().String(),
		ChangedAt: s.now(),
	}
	s.gates[fieldID] = st
	s.mu.Unlock()

	s.publishState(st)
	return st
}

// Retained, so a level simulator that starts later still sees the last gate state.
func (s *Simulator) publishState(st Status) {
	if s.publisher == nil {
		return
	}
	evt := messages.GateStateChangedEvent{
		FieldID:   st.FieldID,
		CommandID: st.CommandID,
		NewState:  st.State,
		FlowM3s:   st.FlowM3s,
		Timestamp: st.ChangedAt,
	}
	b, err := json.Marshal(evt)
	if err != nil {
		s.logger.Errorw("marshal gate event", "field_id", st.FieldID, "error", err)
		return
	}
	topic := strings.ReplaceAll(s.topicTmpl, "{field}", st.FieldID)
	if err := s.publisher.PublishTo(topic, 1, true, b); err != nil {
		s.logger.Warnw("publish gate event failed", "topic", topic, "error", err)
	}
}
