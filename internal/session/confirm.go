package session

import (
	"context"
	"fmt"

	"vacuum-rental-backend/internal/apperr"
	"vacuum-rental-backend/internal/model"
	"vacuum-rental-backend/internal/notification"
	"vacuum-rental-backend/internal/payment"
	"vacuum-rental-backend/internal/store"
)

func orphaned(p *model.Payment, sess *model.UsageSession, why string) notification.Event {
	return notification.Event{
		Type:      model.EventPaymentOrphaned,
		MachineID: sess.MachineID,
		Message: fmt.Sprintf("Payment %s (%d) for session %s was captured but the session cannot run: %s",
			p.PaymentID, p.Amount, sess.ID, why),
	}
}

// ConfirmPayment applies the gateway's settlement callback. Only the first callback for a
// payment id has an effect; duplicates return the session unchanged. A payment that
// succeeds after its session failed, or when the machine can no longer take it, fails the
// session and raises payment_orphaned for manual follow-up.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, c payment.Confirmation) (*model.UsageSession, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	p, err := o.store.GetPayment(ctx, c.PaymentID)
	if err != nil {
		return nil, err
	}
	if p.ProcessedAt != nil {
		o.log.Infof("payment %s already processed; ignoring duplicate confirmation", p.PaymentID)
		return o.store.GetSession(ctx, p.SessionID)
	}
	if c.Status == payment.StatusSucceeded && c.Amount != p.Amount {
		return nil, apperr.Validation("payment %s amount %d does not match charge %d", p.PaymentID, c.Amount, p.Amount)
	}
	sess, err := o.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}

	release, err := o.guard.TryAcquire(ctx, sess.MachineID)
	if err != nil {
		return nil, err
	}
	defer release()

	var out outcome
	err = o.store.Tx(ctx, func(tx store.Store) error {
		now := o.now()
		claimed, err := tx.ClaimPayment(ctx, p.PaymentID, c.Status, now)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}

		s, err := tx.GetSession(ctx, p.SessionID)
		if err != nil {
			return err
		}

		fail := func(cause string) error {
			s.Status = model.SessionFailed
			s.EndCause = cause
			s.EndTime = &now
			s.UpdatedAt = now
			out.session = s
			return tx.SaveSession(ctx, s)
		}

		if c.Status == payment.StatusFailed {
			if s.Status != model.SessionPending {
				return nil
			}
			return fail(EndPaymentFailed)
		}

		if s.Status != model.SessionPending {
			out.fx.Raise(orphaned(p, s, "session is already "+string(s.Status)))
			return nil
		}

		m, err := tx.GetMachine(ctx, s.MachineID)
		if err != nil {
			return err
		}
		fx, err := o.admit(ctx, tx, m)
		out.fx.Merge(fx)
		if err != nil {
			kind := apperr.KindOf(err)
			if kind != apperr.KindState && kind != apperr.KindConflict {
				return err
			}
			out.fx.Raise(orphaned(p, s, err.Error()))
			return fail(EndMachineUnavailable)
		}

		fx, err = o.confirm(ctx, tx, s, m, payment.Deferred{PaymentID: p.PaymentID, Amount: p.Amount})
		if err != nil {
			return err
		}
		out.fx.Merge(fx)
		out.session = s
		out.activate = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.announce(ctx, out)
	if out.session == nil {
		return o.store.GetSession(ctx, p.SessionID)
	}
	o.log.Infof("payment %s %s; session %s is %s", p.PaymentID, c.Status, out.session.ID, out.session.Status)
	return out.session, nil
}
