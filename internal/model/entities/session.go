package entities

import "time"

// SessionStatus is the irrigation session state machine:
// preparing -> active -> {completed | failed | cancelled}.
type SessionStatus string

const (
	StatusPreparing SessionStatus = "preparing"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Reasons recorded on terminal sessions.
const (
	ReasonTargetReached   = "target_reached"
	ReasonTimeout         = "timeout"
	ReasonInternalError   = "internal_error"
	ReasonActuationFailed = "actuation_failed"
	ReasonOrphaned        = "orphaned"
	ReasonOperatorStop    = "operator_stop"
)

// IrrigationSession is the central entity, mutated only by the loop that owns it.
type IrrigationSession struct {
	SessionID               string           `json:"session_id"`
	FieldID                 string           `json:"field_id"`
	Status                  SessionStatus    `json:"status"`
	Reason                  string           `json:"reason,omitempty"`
	StartTime               time.Time        `json:"start_time"`
	EndTime                 *time.Time       `json:"end_time,omitempty"`
	InitialLevelCm          float64          `json:"initial_level_cm"`
	TargetLevelCm           float64          `json:"target_level_cm"`
	CurrentLevelCm          float64          `json:"current_level_cm"`
	CurrentFlowRateCmPerMin float64          `json:"current_flow_rate_cm_per_min"`
	AnomaliesDetected       int              `json:"anomalies_detected"`
	AccumulatedVolumeLiters float64          `json:"accumulated_volume_liters"`
	GateFlowM3s             float64          `json:"gate_flow_m3s"`
	GateCommandID           string           `json:"gate_command_id,omitempty"`
	LastReadingAt           time.Time        `json:"last_reading_at"`
	Config                  IrrigationConfig `json:"config"`
}

// Finish moves the session into a terminal state.
func (s *IrrigationSession) Finish(status SessionStatus, reason string, at time.Time) {
	s.Status = status
	s.Reason = reason
	end := at
	s.EndTime = &end
}

// MonitoringSample is one entry of the per-session sample log.
type MonitoringSample struct {
	SessionID        string        `json:"session_id"`
	FieldID          string        `json:"field_id"`
	RecordedAt       time.Time     `json:"recorded_at"`
	LevelCm          float64       `json:"level_cm"`
	FlowRateCmPerMin float64       `json:"flow_rate_cm_per_min"`
	Source           ReadingSource `json:"source"`
}

// FieldClaim is the lease that makes one session the exclusive owner of a field.
type FieldClaim struct {
	FieldID   string    `json:"field_id"`
	SessionID string    `json:"session_id"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease lapsed at the given time.
func (c FieldClaim) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
