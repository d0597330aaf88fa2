package session

import (
	"context"
	"fmt"

	"vacuum-rental-backend/internal/apperr"
	"vacuum-rental-backend/internal/model"
	"vacuum-rental-backend/internal/payment"
	"vacuum-rental-backend/internal/registry"
	"vacuum-rental-backend/internal/store"
)

// admit re-checks availability under the machine lock and leaves m online when a session
// may start. An offline machine with a fresh heartbeat comes back online here, and so does
// a machine in maintenance with an active override. An idle machine found past its
// threshold is moved to maintenance before MaintenanceBlocked is returned; those
// transitions stand even though admission fails.
func (o *Orchestrator) admit(ctx context.Context, st store.Store, m *model.Machine) (registry.Effects, error) {
	var fx registry.Effects

	switch m.Status {
	case model.StatusInUse:
		return fx, apperr.MachineBusy(m.ID)
	case model.StatusOffline:
		change, err := o.reg.Apply(ctx, st, m, model.StatusOnline, registry.CauseHeartbeatRecheck)
		if err != nil {
			return fx, err
		}
		fx.Add(change)
	case model.StatusMaintenance:
		if !m.OverrideActive {
			return fx, apperr.State(apperr.ReasonMaintenanceBlocked, "machine %d is under maintenance", m.ID)
		}
		change, err := o.reg.Apply(ctx, st, m, model.StatusOnline, registry.CauseOverrideEnabled)
		if err != nil {
			return fx, err
		}
		fx.Add(change)
	}

	if m.OverThreshold() && !m.OverrideActive {
		tripped, err := o.tracker.ApplyUsage(ctx, st, m, 0)
		fx.Merge(tripped)
		if err != nil {
			return fx, err
		}
		return fx, apperr.State(apperr.ReasonMaintenanceBlocked, "machine %d is due for maintenance", m.ID)
	}
	return fx, nil
}

// confirm settles the charge and starts sess on m. It is the single activation path for
// both settlement kinds and runs inside a transaction under the machine lock.
func (o *Orchestrator) confirm(ctx context.Context, st store.Store, sess *model.UsageSession, m *model.Machine, s payment.Settlement) (registry.Effects, error) {
	var fx registry.Effects
	if s.Total() != sess.Cost {
		return fx, apperr.Payment(apperr.ReasonPaymentDeclined, nil, "settled amount %d does not match cost %d", s.Total(), sess.Cost)
	}

	now := o.now()
	sess.Status = model.SessionActive
	sess.StartTime = &now
	sess.UpdatedAt = now

	switch s := s.(type) {
	case payment.Immediate:
		if err := st.Debit(ctx, sess.UserID, s.Amount); err != nil {
			return fx, err
		}
		if err := st.CreateSession(ctx, sess); err != nil {
			return fx, err
		}
	case payment.Deferred:
		if s.PaymentID != sess.PaymentID {
			return fx, apperr.Validation("payment %s does not belong to session %s", s.PaymentID, sess.ID)
		}
		if err := st.SaveSession(ctx, sess); err != nil {
			return fx, err
		}
	default:
		return fx, fmt.Errorf("unknown settlement %T", s)
	}

	change, err := o.reg.Apply(ctx, st, m, model.StatusInUse, registry.CauseSessionActivation)
	if err != nil {
		return fx, err
	}
	fx.Add(change)
	return fx, nil
}
