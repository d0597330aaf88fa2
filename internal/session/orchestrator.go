// Package session admits, settles and terminates machine rental sessions.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"vacuum-rental-backend/internal/apperr"
	"vacuum-rental-backend/internal/lock"
	"vacuum-rental-backend/internal/maintenance"
	"vacuum-rental-backend/internal/metrics"
	"vacuum-rental-backend/internal/model"
	"vacuum-rental-backend/internal/notification"
	"vacuum-rental-backend/internal/parse"
	"vacuum-rental-backend/internal/payment"
	"vacuum-rental-backend/internal/registry"
	"vacuum-rental-backend/internal/store"
)

// Termination causes.
const (
	CauseUserStop     = "user_stop"
	CauseTimeout      = "timeout"
	CauseAdminForce   = "admin_force"
	CauseDeviceReport = "device_report"
)

// End causes of sessions that never ran.
const (
	EndPaymentFailed      = "payment_failed"
	EndPaymentTimeout     = "payment_timeout"
	EndMachineUnavailable = "machine_unavailable"
)

// Devices receives activation commands for started and stopped sessions.
type Devices interface {
	Activate(machineID int64, durationSeconds int)
	Deactivate(machineID int64)
}

// Options holds admission limits.
type Options struct {
	MinDurationMinutes int
	MaxDurationMinutes int
	PendingTimeout     time.Duration
}

// Orchestrator coordinates sessions with the machine registry, maintenance tracker and
// payment collaborators. Every state change runs inside the machine's lock, and side
// effects are published only after the database transaction commits.
type Orchestrator struct {
	store    store.Store
	reg      *registry.Registry
	tracker  *maintenance.Tracker
	guard    *lock.Guard
	gateway  payment.Gateway
	devices  Devices
	notifier registry.Notifier
	clock    clock.Clock
	opts     Options
	log      *zap.SugaredLogger
}

func New(
	st store.Store,
	reg *registry.Registry,
	tracker *maintenance.Tracker,
	guard *lock.Guard,
	gateway payment.Gateway,
	devices Devices,
	notifier registry.Notifier,
	clk clock.Clock,
	opts Options,
	log *zap.SugaredLogger,
) *Orchestrator {
	if opts.MinDurationMinutes <= 0 {
		opts.MinDurationMinutes = 1
	}
	if opts.MaxDurationMinutes <= 0 {
		opts.MaxDurationMinutes = 30
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = 15 * time.Minute
	}
	return &Orchestrator{
		store:    st,
		reg:      reg,
		tracker:  tracker,
		guard:    guard,
		gateway:  gateway,
		devices:  devices,
		notifier: notifier,
		clock:    clk,
		opts:     opts,
		log:      log,
	}
}

// CreateRequest identifies the machine by ID or by a scanned code.
type CreateRequest struct {
	UserID          string
	MachineID       int64
	MachineCode     string
	DurationMinutes int
	PaymentMethod   string
}

// Result is an admitted session.
type Result struct {
	Session            *model.UsageSession `json:"session"`
	MaintenanceWarning bool                `json:"maintenanceWarning"`
}

// outcome is what a committed operation still has to announce.
type outcome struct {
	fx       registry.Effects
	session  *model.UsageSession
	activate bool
	stop     bool
}

func (o *Orchestrator) now() time.Time {
	return o.clock.Now().UTC()
}

func (o *Orchestrator) announce(ctx context.Context, out outcome) {
	o.reg.Publish(ctx, out.fx)
	if out.session == nil {
		return
	}
	o.notifier.Broadcast(ctx, notification.TopicSessionStatusChanged, out.session)
	if out.activate {
		o.devices.Activate(out.session.MachineID, out.session.RequestedDurationMinutes*60)
	}
	if out.stop {
		o.devices.Deactivate(out.session.MachineID)
	}
}

func (o *Orchestrator) resolveMachine(ctx context.Context, req CreateRequest) (*model.Machine, error) {
	if req.MachineID > 0 {
		return o.store.GetMachine(ctx, req.MachineID)
	}
	if strings.TrimSpace(req.MachineCode) == "" {
		return nil, apperr.Validation("machine id or code is required")
	}
	code, err := parse.MachineCode(req.MachineCode)
	if err != nil {
		return nil, apperr.Validation("%v", err)
	}
	return o.store.GetMachineByCode(ctx, code)
}

// Get returns a session by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*model.UsageSession, error) {
	return o.store.GetSession(ctx, id)
}

// Create admits a session. Immediate settlement debits the balance and starts the machine
// in one transaction; deferred settlement creates an external charge and a pending session
// that starts on ConfirmPayment. Losing a race for the machine fails before any charge.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, apperr.Validation("user id is required")
	}
	if req.DurationMinutes < o.opts.MinDurationMinutes || req.DurationMinutes > o.opts.MaxDurationMinutes {
		return nil, apperr.Validation("duration must be between %d and %d minutes, got %d",
			o.opts.MinDurationMinutes, o.opts.MaxDurationMinutes, req.DurationMinutes)
	}
	method, kind, err := payment.ParseMethod(req.PaymentMethod)
	if err != nil {
		return nil, err
	}
	m, err := o.resolveMachine(ctx, req)
	if err != nil {
		return nil, err
	}
	if m.MaxDurationMinutes > 0 && req.DurationMinutes > m.MaxDurationMinutes {
		return nil, apperr.Validation("machine %s allows at most %d minutes", m.Code, m.MaxDurationMinutes)
	}

	release, err := o.guard.TryAcquire(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	var out outcome
	res, err := o.create(ctx, req, m.ID, method, kind, &out)
	// Admission checks may have committed transitions even when admission failed.
	o.announce(ctx, out)
	if err != nil {
		return nil, err
	}
	metrics.SessionsCreated.WithLabelValues(kind.String()).Inc()
	return res, nil
}

func (o *Orchestrator) create(ctx context.Context, req CreateRequest, machineID int64, method string, kind payment.Kind, out *outcome) (*Result, error) {
	m, err := o.store.GetMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	open, err := o.store.FindOpenSession(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, apperr.MachineBusy(m.ID)
	}

	fx, err := o.admit(ctx, o.store, m)
	out.fx.Merge(fx)
	if err != nil {
		return nil, err
	}
	warning := m.OverrideActive && m.OverThreshold()

	now := o.now()
	sess := &model.UsageSession{
		ID:                       uuid.NewString(),
		UserID:                   req.UserID,
		MachineID:                m.ID,
		RequestedDurationMinutes: req.DurationMinutes,
		Cost:                     int64(req.DurationMinutes) * m.PricePerMinute,
		PaymentMethod:            method,
		Status:                   model.SessionPending,
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	switch kind {
	case payment.KindImmediate:
		var started registry.Effects
		err = o.store.Tx(ctx, func(tx store.Store) error {
			var err error
			started, err = o.confirm(ctx, tx, sess, m, payment.Immediate{Amount: sess.Cost})
			return err
		})
		if err != nil {
			return nil, err
		}
		out.fx.Merge(started)
		out.activate = true
	case payment.KindDeferred:
		paymentID, err := o.gateway.CreateCharge(ctx, payment.ChargeRequest{
			SessionID: sess.ID,
			UserID:    sess.UserID,
			Amount:    sess.Cost,
			Method:    method,
		})
		if err != nil {
			return nil, err
		}
		sess.PaymentID = paymentID
		err = o.store.Tx(ctx, func(tx store.Store) error {
			if err := tx.CreatePayment(ctx, &model.Payment{
				PaymentID: paymentID,
				SessionID: sess.ID,
				Amount:    sess.Cost,
				Status:    payment.StatusCreated,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			return tx.CreateSession(ctx, sess)
		})
		if err != nil {
			// The gateway already holds a charge; surface it rather than lose it.
			o.log.Errorf("charge %s for session %s was created but could not be recorded: %v", paymentID, sess.ID, err)
			out.fx.Raise(orphaned(&model.Payment{PaymentID: paymentID, Amount: sess.Cost}, sess,
				"the session could not be recorded"))
			return nil, err
		}
	}

	out.session = sess
	o.log.Infof("session %s admitted on machine %d for user %s (%s, %d min, cost %d)",
		sess.ID, m.ID, sess.UserID, sess.Status, sess.RequestedDurationMinutes, sess.Cost)
	return &Result{Session: sess, MaintenanceWarning: warning}, nil
}
