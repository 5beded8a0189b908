package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	awdlog "github.com/LeonardoBeccarini/awd_irrigation/internal/log"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

var liveStatuses = []string{string(entities.StatusPreparing), string(entities.StatusActive)}

// SampleMirror receives a copy of every persisted monitoring sample (e.g. a time-series database).
type SampleMirror interface {
	MirrorSample(s entities.MonitoringSample)
}

// GormStore is the SQL session store (postgres in production, sqlite for embedded runs and tests).
type GormStore struct {
	db     *gorm.DB
	mirror SampleMirror
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewGormStore migrates the schema and returns the store. mirror may be nil.
func NewGormStore(db *gorm.DB, mirror SampleMirror, logger *zap.SugaredLogger) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("nil database handle")
	}
	logger = awdlog.OrNop(logger)
	if err := db.AutoMigrate(allModels...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormStore{db: db, mirror: mirror, logger: logger, now: time.Now}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrStoreUnavailable, op, err)
}

// ===================== Claims =====================

// ClaimField takes the field lease when it is free, expired, or already held by the same session and owner.
func (s *GormStore) ClaimField(ctx context.Context, fieldID, sessionID, owner string, ttl time.Duration) error {
	now := s.now()
	exp := now.Add(ttl).UnixNano()

	res := s.db.WithContext(ctx).Model(&claimRow{}).
		Where("field_id = ? AND (expires_at_ns <= ? OR (session_id = ? AND owner = ?))",
			fieldID, now.UnixNano(), sessionID, owner).
		Updates(map[string]any{"session_id": sessionID, "owner": owner, "expires_at_ns": exp})
	if res.Error != nil {
		return unavailable("claim field", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	res = s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&claimRow{FieldID: fieldID, SessionID: sessionID, Owner: owner, ExpiresAtNs: exp})
	if res.Error != nil {
		return unavailable("claim field", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", model.ErrFieldBusy, fieldID)
	}
	return nil
}

// RenewClaim extends the lease; ErrClaimLost when another session or owner holds it.
func (s *GormStore) RenewClaim(ctx context.Context, fieldID, sessionID, owner string, ttl time.Duration) error {
	res := s.db.WithContext(ctx).Model(&claimRow{}).
		Where("field_id = ? AND session_id = ? AND owner = ?", fieldID, sessionID, owner).
		Update("expires_at_ns", s.now().Add(ttl).UnixNano())
	if res.Error != nil {
		return unavailable("renew claim", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", model.ErrClaimLost, fieldID)
	}
	return nil
}

// ReleaseField drops the lease if it still belongs to sessionID.
func (s *GormStore) ReleaseField(ctx context.Context, fieldID, sessionID string) error {
	err := s.db.WithContext(ctx).
		Where("field_id = ? AND session_id = ?", fieldID, sessionID).
		Delete(&claimRow{}).Error
	if err != nil {
		return unavailable("release field", err)
	}
	return nil
}

// GetClaim returns nil when the field has no lease row.
func (s *GormStore) GetClaim(ctx context.Context, fieldID string) (*entities.FieldClaim, error) {
	var row claimRow
	err := s.db.WithContext(ctx).Where("field_id = ?", fieldID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get claim", err)
	}
	c := row.toEntity()
	return &c, nil
}

// ===================== Sessions =====================

// PutSession inserts or updates a live session. A session already terminal is never overwritten:
// the caller gets ErrClaimLost.
func (s *GormStore) PutSession(ctx context.Context, sess entities.IrrigationSession) error {
	row, err := sessionToRow(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&sessionRow{}).
			Where("session_id = ? AND status IN ?", row.SessionID, liveStatuses).
			Updates(row.columns())
		if res.Error != nil {
			return unavailable("put session", res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}
		var n int64
		if err := tx.Model(&sessionRow{}).Where("session_id = ?", row.SessionID).Count(&n).Error; err != nil {
			return unavailable("put session", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: session %s already terminal", model.ErrClaimLost, row.SessionID)
		}
		row.UpdatedAt = s.now().UTC()
		if err := tx.Create(&row).Error; err != nil {
			return unavailable("put session", err)
		}
		return nil
	})
}

func (s *GormStore) GetSession(ctx context.Context, sessionID string) (entities.IrrigationSession, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entities.IrrigationSession{}, fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return entities.IrrigationSession{}, unavailable("get session", err)
	}
	return row.toEntity()
}

// FinalizeSession writes the terminal state only if the stored session is still live.
// It returns false when another finalizer got there first.
func (s *GormStore) FinalizeSession(ctx context.Context, sess entities.IrrigationSession) (bool, error) {
	if !sess.Status.Terminal() {
		return false, fmt.Errorf("finalize %s: status %q is not terminal", sess.SessionID, sess.Status)
	}
	row, err := sessionToRow(sess)
	if err != nil {
		return false, fmt.Errorf("encode session: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("session_id = ? AND status IN ?", row.SessionID, liveStatuses).
		Updates(row.columns())
	if res.Error != nil {
		return false, unavailable("finalize session", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if _, err := s.GetSession(ctx, sess.SessionID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *GormStore) ListActiveSessions(ctx context.Context) ([]entities.IrrigationSession, error) {
	var rows []sessionRow
	if err := s.db.WithContext(ctx).Where("status IN ?", liveStatuses).Order("start_time").Find(&rows).Error; err != nil {
		return nil, unavailable("list active sessions", err)
	}
	out := make([]entities.IrrigationSession, 0, len(rows))
	for _, r := range rows {
		sess, err := r.toEntity()
		if err != nil {
			s.logger.Warnw("skipping undecodable session", "session_id", r.SessionID, "error", err)
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// ===================== Logs =====================

func (s *GormStore) AppendMonitoringSample(ctx context.Context, sample entities.MonitoringSample) error {
	row := sampleRow{
		SessionID:        sample.SessionID,
		FieldID:          sample.FieldID,
		RecordedAt:       sample.RecordedAt.UTC(),
		LevelCm:          sample.LevelCm,
		FlowRateCmPerMin: sample.FlowRateCmPerMin,
		Source:           string(sample.Source),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return unavailable("append sample", err)
	}
	if s.mirror != nil {
		s.mirror.MirrorSample(sample)
	}
	return nil
}

func (s *GormStore) ListMonitoringSamples(ctx context.Context, sessionID string) ([]entities.MonitoringSample, error) {
	var rows []sampleRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("recorded_at, id").Find(&rows).Error; err != nil {
		return nil, unavailable("list samples", err)
	}
	out := make([]entities.MonitoringSample, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntity())
	}
	return out, nil
}

func (s *GormStore) AppendAnomaly(ctx context.Context, a entities.AnomalyRecord) error {
	metrics := ""
	if len(a.Metrics) > 0 {
		b, err := json.Marshal(a.Metrics)
		if err != nil {
			return fmt.Errorf("encode anomaly metrics: %w", err)
		}
		metrics = string(b)
	}
	row := anomalyRow{
		SessionID:   a.SessionID,
		FieldID:     a.FieldID,
		DetectedAt:  a.DetectedAt.UTC(),
		Type:        string(a.Type),
		Severity:    string(a.Severity),
		Description: a.Description,
		MetricsJSON: metrics,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return unavailable("append anomaly", err)
	}
	return nil
}

func (s *GormStore) ListAnomalies(ctx context.Context, sessionID string) ([]entities.AnomalyRecord, error) {
	var rows []anomalyRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("detected_at, id").Find(&rows).Error; err != nil {
		return nil, unavailable("list anomalies", err)
	}
	out := make([]entities.AnomalyRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntity())
	}
	return out, nil
}

// PutPerformanceRecord is idempotent per session.
func (s *GormStore) PutPerformanceRecord(ctx context.Context, p entities.PerformanceRecord) error {
	row := performanceToRow(p)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return unavailable("put performance record", err)
	}
	return nil
}

func (s *GormStore) GetPerformanceRecord(ctx context.Context, sessionID string) (entities.PerformanceRecord, error) {
	var row performanceRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entities.PerformanceRecord{}, fmt.Errorf("%w: no performance record for %s", model.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return entities.PerformanceRecord{}, unavailable("get performance record", err)
	}
	return row.toEntity(), nil
}

// ===================== Maintenance =====================

// PurgeSamplesBefore deletes samples and anomalies of terminal sessions that ended before cutoff.
func (s *GormStore) PurgeSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ended := tx.Model(&sessionRow{}).Select("session_id").
			Where("status NOT IN ? AND end_time < ?", liveStatuses, cutoff.UTC())
		res := tx.Where("session_id IN (?)", ended).Delete(&sampleRow{})
		if res.Error != nil {
			return res.Error
		}
		purged = res.RowsAffected
		return tx.Where("session_id IN (?)", ended).Delete(&anomalyRow{}).Error
	})
	if err != nil {
		return 0, unavailable("purge samples", err)
	}
	return purged, nil
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
