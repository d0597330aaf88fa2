package session

import (
	"context"
	"errors"
	"time"

	"vacuum-rental-backend/internal/apperr"
	"vacuum-rental-backend/internal/metrics"
	"vacuum-rental-backend/internal/model"
	"vacuum-rental-backend/internal/registry"
	"vacuum-rental-backend/internal/store"
)

// usedMinutes is the usage billed to the machine's maintenance counter. A timeout counts
// as the full requested duration unless the device reported otherwise.
func usedMinutes(s *model.UsageSession, now time.Time, cause string, reported *int) int {
	requested := s.RequestedDurationMinutes

	var used int
	switch {
	case reported != nil:
		used = *reported
	case cause == CauseTimeout:
		used = requested
	case s.StartTime != nil:
		elapsed := now.Sub(*s.StartTime)
		used = int((elapsed + time.Minute - 1) / time.Minute)
	}

	if used < 0 {
		return 0
	}
	if used > requested {
		return requested
	}
	return used
}

// Terminate ends a session. An active session is completed and its usage recorded; a
// pending one stopped by the user or an admin is cancelled. No refund is issued.
func (o *Orchestrator) Terminate(ctx context.Context, sessionID, cause string) (*model.UsageSession, error) {
	return o.terminate(ctx, sessionID, cause, nil)
}

// TerminateWithReport ends a session with the minutes the device says it ran.
func (o *Orchestrator) TerminateWithReport(ctx context.Context, sessionID string, minutes int) (*model.UsageSession, error) {
	if minutes < 0 {
		return nil, apperr.Validation("reported minutes must not be negative")
	}
	return o.terminate(ctx, sessionID, CauseDeviceReport, &minutes)
}

func (o *Orchestrator) terminate(ctx context.Context, sessionID, cause string, reported *int) (*model.UsageSession, error) {
	switch cause {
	case CauseUserStop, CauseTimeout, CauseAdminForce, CauseDeviceReport:
	default:
		return nil, apperr.Validation("unknown termination cause %q", cause)
	}

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.Open() {
		return nil, apperr.State(apperr.ReasonInvalidTransition, "session %s is already %s", sess.ID, sess.Status)
	}

	release, err := o.guard.TryAcquire(ctx, sess.MachineID)
	if err != nil {
		return nil, err
	}
	defer release()

	var out outcome
	err = o.store.Tx(ctx, func(tx store.Store) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		now := o.now()

		switch s.Status {
		case model.SessionActive:
		case model.SessionPending:
			if cause != CauseUserStop && cause != CauseAdminForce {
				return apperr.State(apperr.ReasonInvalidTransition, "session %s has not started", s.ID)
			}
			s.Status = model.SessionCancelled
			s.EndCause = cause
			s.EndTime = &now
			s.UpdatedAt = now
			out.session = s
			return tx.SaveSession(ctx, s)
		default:
			return apperr.State(apperr.ReasonInvalidTransition, "session %s is already %s", s.ID, s.Status)
		}

		minutes := usedMinutes(s, now, cause, reported)
		s.Status = model.SessionCompleted
		s.ActualMinutesUsed = minutes
		s.EndCause = cause
		s.EndTime = &now
		s.UpdatedAt = now
		if err := tx.SaveSession(ctx, s); err != nil {
			return err
		}

		m, err := tx.GetMachine(ctx, s.MachineID)
		if err != nil {
			return err
		}
		fx, err := o.tracker.ApplyUsage(ctx, tx, m, int64(minutes))
		if err != nil {
			return err
		}
		out.fx.Merge(fx)

		// The machine may have gone offline or into maintenance meanwhile.
		if m.Status == model.StatusInUse {
			change, err := o.reg.Apply(ctx, tx, m, model.StatusOnline, registry.CauseSessionEnd)
			if errors.Is(err, apperr.ErrHeartbeatRequired) {
				change, err = o.reg.Apply(ctx, tx, m, model.StatusOffline, registry.CauseSessionEnd)
			}
			if err != nil {
				return err
			}
			out.fx.Add(change)
		}

		out.session = s
		out.stop = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.announce(ctx, out)
	if out.session.Status == model.SessionCompleted {
		metrics.SessionsTerminated.WithLabelValues(cause).Inc()
		o.log.Infof("session %s on machine %d completed (%s, %d of %d min)",
			out.session.ID, out.session.MachineID, cause, out.session.ActualMinutesUsed, out.session.RequestedDurationMinutes)
	} else {
		o.log.Infof("session %s on machine %d cancelled before payment (%s)", out.session.ID, out.session.MachineID, cause)
	}
	return out.session, nil
}

// SweepExpired ends active sessions whose requested duration has elapsed.
func (o *Orchestrator) SweepExpired(ctx context.Context) (int, error) {
	active, err := o.store.ListSessionsByStatus(ctx, model.SessionActive)
	if err != nil {
		return 0, err
	}

	now := o.now()
	ended := 0
	for _, s := range active {
		if s.StartTime == nil {
			continue
		}
		if now.Before(s.StartTime.Add(time.Duration(s.RequestedDurationMinutes) * time.Minute)) {
			continue
		}
		_, err := o.Terminate(ctx, s.ID, CauseTimeout)
		switch {
		case err == nil:
			ended++
		case errors.Is(err, apperr.ErrMachineBusy), errors.Is(err, apperr.ErrInvalidTransition):
			o.log.Debugf("session %s not expired this tick: %v", s.ID, err)
		default:
			o.log.Errorf("failed to expire session %s: %v", s.ID, err)
		}
	}
	return ended, nil
}

// SweepPending fails pending sessions whose payment never confirmed. They never touched
// the machine, so only the session row changes.
func (o *Orchestrator) SweepPending(ctx context.Context) (int, error) {
	stale, err := o.store.ListPendingSessionsBefore(ctx, o.now().Add(-o.opts.PendingTimeout))
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, s := range stale {
		var expired *model.UsageSession
		err := o.guard.WithMachine(ctx, s.MachineID, func() error {
			cur, err := o.store.GetSession(ctx, s.ID)
			if err != nil {
				return err
			}
			if cur.Status != model.SessionPending {
				return nil
			}
			now := o.now()
			cur.Status = model.SessionFailed
			cur.EndCause = EndPaymentTimeout
			cur.EndTime = &now
			cur.UpdatedAt = now
			if err := o.store.SaveSession(ctx, cur); err != nil {
				return err
			}
			expired = cur
			return nil
		})
		switch {
		case errors.Is(err, apperr.ErrMachineBusy):
			o.log.Debugf("session %s not swept this tick: machine busy", s.ID)
		case err != nil:
			o.log.Errorf("failed to expire pending session %s: %v", s.ID, err)
		case expired != nil:
			failed++
			o.announce(ctx, outcome{session: expired})
		}
	}
	return failed, nil
}
