package persistence

import (
	"encoding/json"
	"time"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

// claimRow stores the lease expiry as unix nanoseconds so comparisons behave the same on every driver.
type claimRow struct {
	FieldID     string `gorm:"primaryKey;size:64"`
	SessionID   string `gorm:"size:64;not null"`
	Owner       string `gorm:"size:128;not null"`
	ExpiresAtNs int64  `gorm:"not null"`
}

func (claimRow) TableName() string { return "field_claims" }

func (r claimRow) toEntity() entities.FieldClaim {
	return entities.FieldClaim{
		FieldID:   r.FieldID,
		SessionID: r.SessionID,
		Owner:     r.Owner,
		ExpiresAt: time.Unix(0, r.ExpiresAtNs).UTC(),
	}
}

type sessionRow struct {
	SessionID               string `gorm:"primaryKey;size:64"`
	FieldID                 string `gorm:"index;size:64;not null"`
	Status                  string `gorm:"index;size:16;not null"`
	Reason                  string `gorm:"size:64"`
	StartTime               time.Time
	EndTime                 *time.Time
	InitialLevelCm          float64
	TargetLevelCm           float64
	CurrentLevelCm          float64
	CurrentFlowRateCmPerMin float64
	AnomaliesDetected       int
	AccumulatedVolumeLiters float64
	GateFlowM3s             float64
	GateCommandID           string `gorm:"size:64"`
	LastReadingAt           time.Time
	ConfigJSON              string `gorm:"type:text"`
	UpdatedAt               time.Time
}

func (sessionRow) TableName() string { return "irrigation_sessions" }

func sessionToRow(s entities.IrrigationSession) (sessionRow, error) {
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return sessionRow{}, err
	}
	var end *time.Time
	if s.EndTime != nil {
		t := s.EndTime.UTC()
		end = &t
	}
	return sessionRow{
		SessionID:               s.SessionID,
		FieldID:                 s.FieldID,
		Status:                  string(s.Status),
		Reason:                  s.Reason,
		StartTime:               s.StartTime.UTC(),
		EndTime:                 end,
		InitialLevelCm:          s.InitialLevelCm,
		TargetLevelCm:           s.TargetLevelCm,
		CurrentLevelCm:          s.CurrentLevelCm,
		CurrentFlowRateCmPerMin: s.CurrentFlowRateCmPerMin,
		AnomaliesDetected:       s.AnomaliesDetected,
		AccumulatedVolumeLiters: s.AccumulatedVolumeLiters,
		GateFlowM3s:             s.GateFlowM3s,
		GateCommandID:           s.GateCommandID,
		LastReadingAt:           s.LastReadingAt.UTC(),
		ConfigJSON:              string(cfg),
	}, nil
}

// columns returns the mutable columns for conditional updates.
func (r sessionRow) columns() map[string]any {
	return map[string]any{
		"field_id":                     r.FieldID,
		"status":                       r.Status,
		"reason":                       r.Reason,
		"start_time":                   r.StartTime,
		"end_time":                     r.EndTime,
		"initial_level_cm":             r.InitialLevelCm,
		"target_level_cm":              r.TargetLevelCm,
		"current_level_cm":             r.CurrentLevelCm,
		"current_flow_rate_cm_per_min": r.CurrentFlowRateCmPerMin,
		"anomalies_detected":           r.AnomaliesDetected,
		"accumulated_volume_liters":    r.AccumulatedVolumeLiters,
		"gate_flow_m3s":                r.GateFlowM3s,
		"gate_command_id":              r.GateCommandID,
		"last_reading_at":              r.LastReadingAt,
		"config_json":                  r.ConfigJSON,
		"updated_at":                   time.Now().UTC(),
	}
}

func (r sessionRow) toEntity() (entities.IrrigationSession, error) {
	var cfg entities.IrrigationConfig
	if r.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(r.ConfigJSON), &cfg); err != nil {
			return entities.IrrigationSession{}, err
		}
	}
	return entities.IrrigationSession{
		SessionID:               r.SessionID,
		FieldID:                 r.FieldID,
		Status:                  entities.SessionStatus(r.Status),
		Reason:                  r.Reason,
		StartTime:               r.StartTime,
		EndTime:                 r.EndTime,
		InitialLevelCm:          r.InitialLevelCm,
		TargetLevelCm:           r.TargetLevelCm,
		CurrentLevelCm:          r.CurrentLevelCm,
		CurrentFlowRateCmPerMin: r.CurrentFlowRateCmPerMin,
		AnomaliesDetected:       r.AnomaliesDetected,
		AccumulatedVolumeLiters: r.AccumulatedVolumeLiters,
		GateFlowM3s:             r.GateFlowM3s,
		GateCommandID:           r.GateCommandID,
		LastReadingAt:           r.LastReadingAt,
		Config:                  cfg,
	}, nil
}

type sampleRow struct {
	ID               uint      `gorm:"primaryKey"`
	SessionID        string    `gorm:"index;size:64;not null"`
	FieldID          string    `gorm:"size:64;not null"`
	RecordedAt       time.Time `gorm:"index"`
	LevelCm          float64
	FlowRateCmPerMin float64
	Source           string `gorm:"size:16"`
}

func (sampleRow) TableName() string { return "monitoring_samples" }

func (r sampleRow) toEntity() entities.MonitoringSample {
	return entities.MonitoringSample{
		SessionID:        r.SessionID,
		FieldID:          r.FieldID,
		RecordedAt:       r.RecordedAt,
		LevelCm:          r.LevelCm,
		FlowRateCmPerMin: r.FlowRateCmPerMin,
		Source:           entities.ReadingSource(r.Source),
	}
}

type anomalyRow struct {
	ID          uint   `gorm:"primaryKey"`
	SessionID   string `gorm:"index;size:64;not null"`
	FieldID     string `gorm:"size:64;not null"`
	DetectedAt  time.Time
	Type        string `gorm:"size:32;not null"`
	Severity    string `gorm:"size:16;not null"`
	Description string `gorm:"type:text"`
	MetricsJSON string `gorm:"type:text"`
}

func (anomalyRow) TableName() string { return "anomaly_records" }

func (r anomalyRow) toEntity() entities.AnomalyRecord {
	a := entities.AnomalyRecord{
		SessionID:   r.SessionID,
		FieldID:     r.FieldID,
		DetectedAt:  r.DetectedAt,
		Type:        entities.AnomalyType(r.Type),
		Severity:    entities.Severity(r.Severity),
		Description: r.Description,
	}
	if r.MetricsJSON != "" {
		_ = json.Unmarshal([]byte(r.MetricsJSON), &a.Metrics)
	}
	return a
}

type performanceRow struct {
	SessionID            string `gorm:"primaryKey;size:64"`
	FieldID              string `gorm:"index;size:64;not null"`
	Status               string `gorm:"size:16"`
	Reason               string `gorm:"size:64"`
	StartTime            time.Time
	EndTime              time.Time
	InitialLevelCm       float64
	TargetLevelCm        float64
	AchievedLevelCm      float64
	TotalDurationMinutes float64
	WaterVolumeLiters    float64
	AvgFlowRateCmPerMin  float64
	EfficiencyScore      float64
}

func (performanceRow) TableName() string { return "performance_records" }

func performanceToRow(p entities.PerformanceRecord) performanceRow {
	return performanceRow{
		SessionID:            p.SessionID,
		FieldID:              p.FieldID,
		Status:               string(p.Status),
		Reason:               p.Reason,
		StartTime:            p.StartTime.UTC(),
		EndTime:              p.EndTime.UTC(),
		InitialLevelCm:       p.InitialLevelCm,
		TargetLevelCm:        p.TargetLevelCm,
		AchievedLevelCm:      p.AchievedLevelCm,
		TotalDurationMinutes: p.TotalDurationMinutes,
		WaterVolumeLiters:    p.WaterVolumeLiters,
		AvgFlowRateCmPerMin:  p.AvgFlowRateCmPerMin,
		EfficiencyScore:      p.EfficiencyScore,
	}
}

func (r performanceRow) toEntity() entities.PerformanceRecord {
	return entities.PerformanceRecord{
		SessionID:            r.SessionID,
		FieldID:              r.FieldID,
		Status:               entities.SessionStatus(r.Status),
		Reason:               r.Reason,
		StartTime:            r.StartTime,
		EndTime:              r.EndTime,
		InitialLevelCm:       r.InitialLevelCm,
		TargetLevelCm:        r.TargetLevelCm,
		AchievedLevelCm:      r.AchievedLevelCm,
		TotalDurationMinutes: r.TotalDurationMinutes,
		WaterVolumeLiters:    r.WaterVolumeLiters,
		AvgFlowRateCmPerMin:  r.AvgFlowRateCmPerMin,
		EfficiencyScore:      r.EfficiencyScore,
	}
}

// allModels is the schema managed by AutoMigrate.
var allModels = []any{&claimRow{}, &sessionRow{}, &sampleRow{}, &anomalyRow{}, &performanceRow{}}
