package irrigation_controller

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

// ReconcileReport summarizes one reconcile pass.
type ReconcileReport struct {
	Resumed  []string
	Orphaned []string
	Skipped  int
}

// Reconcile adopts active sessions whose owner is gone (claim missing or expired):
// sessions still within their max duration are resumed here, older ones are failed as orphaned.
func (c *Controller) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	sessions, err := c.store.ListActiveSessions(ctx)
	if err != nil {
		return rep, err
	}
	now := c.now()

	for _, s := range sessions {
		s := s
		log := c.logger.With("session_id", s.SessionID, "field_id", s.FieldID)
		if c.runner(s.SessionID) != nil {
			rep.Skipped++
			continue
		}

		claim, err := c.store.GetClaim(ctx, s.FieldID)
		if err != nil {
			log.Warnw("reconcile: claim lookup failed", "error", err)
			rep.Skipped++
			continue
		}
		if claim != nil && !claim.Expired(now) {
			if claim.SessionID != s.SessionID {
				log.Warnw("reconcile: field held by another session", "holder", claim.SessionID)
			}
			rep.Skipped++
			continue
		}

		if err := c.store.ClaimField(ctx, s.FieldID, s.SessionID, c.opts.InstanceID, c.leaseTTL(s.Config)); err != nil {
			if !errors.Is(err, model.ErrFieldBusy) {
				log.Warnw("reconcile: claim failed", "error", err)
			}
			rep.Skipped++
			continue
		}

		if now.Sub(s.StartTime) > s.Config.MaxDuration() {
			log.Warnw("reconcile: session exceeded its max duration while unowned")
			c.finalize(&s, entities.StatusFailed, entities.ReasonOrphaned)
			rep.Orphaned = append(rep.Orphaned, s.SessionID)
			continue
		}

		log.Infow("reconcile: resuming session", "level_cm", s.CurrentLevelCm)
		c.launch(s)
		rep.Resumed = append(rep.Resumed, s.SessionID)
	}
	return rep, nil
}

// StartReconciler runs Reconcile on the cron schedule until ctx is done.
func (c *Controller) StartReconciler(ctx context.Context, schedule string) (*cron.Cron, error) {
	cr := cron.New()
	_, err := cr.AddFunc(schedule, func() {
		rep, err := c.Reconcile(ctx)
		if err != nil {
			c.logger.Errorw("reconcile failed", "error", err)
			return
		}
		if len(rep.Resumed)+len(rep.Orphaned) > 0 {
			c.logger.Infow("reconcile done", "resumed", rep.Resumed, "orphaned", rep.Orphaned)
		}
	})
	if err != nil {
		return nil, err
	}
	cr.Start()
	go func() {
		<-ctx.Done()
		<-cr.Stop().Done()
	}()
	return cr, nil
}
