package event

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
	msg "github.com/LeonardoBeccarini/awd_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/awd_irrigation/pkg/dedup"
)

const (
	TypeSessionStarted    = "session.started"
	TypeSessionTerminated = "session.terminated"
	TypeAnomaly           = "irrigation.anomaly"
	TypeGateStateChange   = "gate.state_change"

	sessionPrefix = "irrigation/session/"
	anomalyPrefix = "irrigation/anomaly/"
	gatePrefix    = "event/gate/"
)

type CommonEvent struct {
	EventType     string // session.started | session.terminated | irrigation.anomaly | gate.state_change
	SourceService string // irrigation-controller | gate-service
	FieldID       string
	SessionID     string
	Severity      string // info|warning|error|critical
	Fields        map[string]interface{}
	Timestamp     time.Time
}

// MQTTHandler trasforma messaggi MQTT in CommonEvent e li passa a sink (Influx).
type MQTTHandler struct {
	sink    func(CommonEvent)
	deduper *dedup.Deduper
	now     func() time.Time
}

func NewMQTTHandler(sink func(CommonEvent)) *MQTTHandler {
	return &MQTTHandler{sink: sink, deduper: dedup.New(10*time.Minute, 20000), now: time.Now}
}

func (h *MQTTHandler) Handle(_ string, m mqtt.Message) error {
	topic := m.Topic()
	payload := m.Payload()

	// QoS1 → possibili redelivery
	if !h.deduper.ShouldProcess(dedup.PayloadKey(payload)) {
		return nil
	}

	var (
		evt CommonEvent
		err error
	)
	switch {
	case strings.HasPrefix(topic, sessionPrefix):
		evt, err = decodeSession(topic, payload)
	case strings.HasPrefix(topic, anomalyPrefix):
		evt, err = decodeAnomaly(topic, payload)
	case strings.HasPrefix(topic, gatePrefix):
		evt, err = decodeGate(topic, payload)
	default:
		return nil // ignora altri topic
	}
	if err != nil {
		return err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = h.now().UTC()
	}
	if h.sink != nil {
		h.sink(evt)
	}
	return nil
}

// started e terminated condividono il topic: solo il secondo ha "status"
func decodeSession(topic string, payload []byte) (CommonEvent, error) {
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return CommonEvent{}, err
	}
	if probe.Status != "" {
		return decodeTerminated(topic, payload)
	}

	var s msg.SessionStartedEvent
	if err := json.Unmarshal(payload, &s); err != nil {
		return CommonEvent{}, err
	}
	fieldID, sessionID := pickIDs(topic, s.FieldID, s.SessionID, sessionPrefix)
	if fieldID == "" || sessionID == "" {
		return CommonEvent{}, errors.New("session started: missing field/session")
	}
	return CommonEvent{
		EventType:     TypeSessionStarted,
		SourceService: "irrigation-controller",
		FieldID:       fieldID,
		SessionID:     sessionID,
		Severity:      "info",
		Fields: map[string]interface{}{
			"initial_level_cm": s.InitialLevelCm,
			"target_level_cm":  s.TargetLevelCm,
			"gate_flow_m3s":    s.GateFlowM3s,
			"flow_estimated":   s.FlowEstimated,
		},
		Timestamp: s.Timestamp,
	}, nil
}

func decodeTerminated(topic string, payload []byte) (CommonEvent, error) {
	var s msg.SessionTerminatedEvent
	if err := json.Unmarshal(payload, &s); err != nil {
		return CommonEvent{}, err
	}
	fieldID, sessionID := pickIDs(topic, s.FieldID, s.SessionID, sessionPrefix)
	if fieldID == "" || sessionID == "" {
		return CommonEvent{}, errors.New("session terminated: missing field/session")
	}
	sev := "info"
	switch entities.SessionStatus(s.Status) {
	case entities.StatusFailed:
		sev = "error"
	case entities.StatusCancelled:
		sev = "warning"
	}
	fields := map[string]interface{}{
		"status":            s.Status,
		"reason":            s.Reason,
		"achieved_level_cm": s.AchievedLevelCm,
		"volume_liters":     s.VolumeLiters,
		"efficiency_score":  s.EfficiencyScore,
	}
	if !s.StartedAt.IsZero() && !s.Timestamp.IsZero() {
		fields["duration_s"] = s.Timestamp.Sub(s.StartedAt).Seconds()
	}
	return CommonEvent{
		EventType:     TypeSessionTerminated,
		SourceService: "irrigation-controller",
		FieldID:       fieldID,
		SessionID:     sessionID,
		Severity:      sev,
		Fields:        fields,
		Timestamp:     s.Timestamp,
	}, nil
}

func decodeAnomaly(topic string, payload []byte) (CommonEvent, error) {
	var a msg.AnomalyEvent
	if err := json.Unmarshal(payload, &a); err != nil {
		return CommonEvent{}, err
	}
	fieldID, sessionID := pickIDs(topic, a.FieldID, a.SessionID, anomalyPrefix)
	if fieldID == "" || a.Type == "" {
		return CommonEvent{}, errors.New("anomaly: missing field/type")
	}
	fields := map[string]interface{}{
		"type":        a.Type,
		"description": a.Description,
	}
	for k, v := range a.Metrics {
		fields["m_"+k] = v
	}
	sev := a.Severity
	if sev == "" {
		sev = string(entities.SeverityWarning)
	}
	return CommonEvent{
		EventType:     TypeAnomaly,
		SourceService: "irrigation-controller",
		FieldID:       fieldID,
		SessionID:     sessionID,
		Severity:      sev,
		Fields:        fields,
		Timestamp:     a.Timestamp,
	}, nil
}

func decodeGate(topic string, payload []byte) (CommonEvent, error) {
	var g msg.GateStateChangedEvent
	if err := json.Unmarshal(payload, &g); err != nil {
		return CommonEvent{}, err
	}
	fieldID := g.FieldID
	if strings.TrimSpace(fieldID) == "" {
		fieldID = strings.Split(strings.TrimPrefix(topic, gatePrefix), "/")[0]
	}
	if fieldID == "" || g.NewState == "" {
		return CommonEvent{}, errors.New("gate: missing field/state")
	}
	return CommonEvent{
		EventType:     TypeGateStateChange,
		SourceService: "gate-service",
		FieldID:       fieldID,
		Severity:      "info",
		Fields: map[string]interface{}{
			"new_state":  string(g.NewState),
			"flow_m3s":   g.FlowM3s,
			"command_id": g.CommandID,
		},
		Timestamp: g.Timestamp,
	}, nil
}

// pickIDs usa payload, oppure topic "prefix/{field}/{session}".
func pickIDs(topic, fieldID, sessionID, prefix string) (string, string) {
	if strings.TrimSpace(fieldID) != "" && strings.TrimSpace(sessionID) != "" {
		return fieldID, sessionID
	}
	parts := strings.Split(strings.TrimPrefix(topic, prefix), "/")
	if len(parts) >= 2 {
		if strings.TrimSpace(fieldID) == "" {
			fieldID = parts[0]
		}
		if strings.TrimSpace(sessionID) == "" {
			sessionID = parts[1]
		}
	}
	return fieldID, sessionID
}
