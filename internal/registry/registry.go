// Package registry owns machine status and the transition table every status change goes through.
package registry

import (
	"context"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"vacuum-rental-backend/internal/apperr"
	"vacuum-rental-backend/internal/lock"
	"vacuum-rental-backend/internal/metrics"
	"vacuum-rental-backend/internal/model"
	"vacuum-rental-backend/internal/notification"
	"vacuum-rental-backend/internal/store"
)

// Cause records why a transition happened.
type Cause string

const (
	CauseSessionActivation    Cause = "session_activation"
	CauseSessionEnd           Cause = "session_end"
	CauseStaleness            Cause = "staleness"
	CauseHeartbeatRecheck     Cause = "heartbeat_recheck"
	CauseMaintenanceThreshold Cause = "maintenance_threshold"
	CauseOverrideEnabled      Cause = "override_enabled"
	CauseOverrideDisabled     Cause = "override_disabled"
	CauseAdminReset           Cause = "admin_reset"
	CauseAdmin                Cause = "admin"
)

var transitions = map[model.MachineStatus][]model.MachineStatus{
	model.StatusOffline:     {model.StatusOnline},
	model.StatusOnline:      {model.StatusInUse, model.StatusOffline, model.StatusMaintenance},
	model.StatusInUse:       {model.StatusOnline, model.StatusMaintenance, model.StatusOffline},
	model.StatusMaintenance: {model.StatusOnline, model.StatusOffline},
}

// Change is one applied transition.
type Change struct {
	MachineID int64               `json:"machineId"`
	Code      string              `json:"code"`
	From      model.MachineStatus `json:"from"`
	To        model.MachineStatus `json:"to"`
	Cause     Cause               `json:"cause"`
	At        time.Time           `json:"at"`
}

// Effects collects what a committed operation must announce.
type Effects struct {
	Changes []Change
	Events  []notification.Event
}

// Add appends a change.
func (e *Effects) Add(c Change) {
	e.Changes = append(e.Changes, c)
}

// Raise appends an event.
func (e *Effects) Raise(ev notification.Event) {
	e.Events = append(e.Events, ev)
}

// Merge appends everything in o.
func (e *Effects) Merge(o Effects) {
	e.Changes = append(e.Changes, o.Changes...)
	e.Events = append(e.Events, o.Events...)
}

// Notifier receives transition broadcasts and alerts.
type Notifier interface {
	notification.Emitter
	notification.Broadcaster
}

// Registry validates and applies machine status transitions.
type Registry struct {
	store     store.Store
	clock     clock.Clock
	guard     *lock.Guard
	notifier  Notifier
	threshold time.Duration
	log       *zap.SugaredLogger
}

// New creates a registry. threshold is the maximum heartbeat age for a machine to be online.
func New(st store.Store, clk clock.Clock, guard *lock.Guard, notifier Notifier, threshold time.Duration, log *zap.SugaredLogger) *Registry {
	return &Registry{
		store:     st,
		clock:     clk,
		guard:     guard,
		notifier:  notifier,
		threshold: threshold,
		log:       log,
	}
}

// Now returns the registry clock's current time in UTC.
func (r *Registry) Now() time.Time {
	return r.clock.Now().UTC()
}

// Threshold returns the heartbeat staleness threshold.
func (r *Registry) Threshold() time.Duration {
	return r.threshold
}

func (r *Registry) Get(ctx context.Context, machineID int64) (*model.Machine, error) {
	return r.store.GetMachine(ctx, machineID)
}

func (r *Registry) GetByCode(ctx context.Context, code string) (*model.Machine, error) {
	return r.store.GetMachineByCode(ctx, code)
}

// HeartbeatFresh returns a HeartbeatRequired error unless the machine's last heartbeat
// is younger than the threshold at now.
func (r *Registry) HeartbeatFresh(m *model.Machine, now time.Time) error {
	if m.LastHeartbeatAt == nil {
		return apperr.State(apperr.ReasonHeartbeatRequired, "machine %d heartbeat never received", m.ID)
	}
	age := now.Sub(*m.LastHeartbeatAt)
	if age >= r.threshold {
		return apperr.State(apperr.ReasonHeartbeatRequired, "machine %d heartbeat stale by %d seconds", m.ID, int64(age/time.Second))
	}
	return nil
}

// Check reports whether m may move to target for cause at now.
func (r *Registry) Check(m *model.Machine, target model.MachineStatus, cause Cause, now time.Time) error {
	allowed := false
	for _, to := range transitions[m.Status] {
		if to == target {
			allowed = true
			break
		}
	}
	if !allowed {
		return apperr.State(apperr.ReasonInvalidTransition, "machine %d cannot move from %s to %s", m.ID, m.Status, target)
	}
	if target == model.StatusInUse && cause != CauseSessionActivation {
		return apperr.State(apperr.ReasonInvalidTransition, "machine %d can only enter in_use through a session", m.ID)
	}
	if target == model.StatusOnline {
		return r.HeartbeatFresh(m, now)
	}
	return nil
}

// Apply validates and persists a transition through st, which may be a transaction.
// The caller must hold the machine's lock and publish the change after commit.
func (r *Registry) Apply(ctx context.Context, st store.Store, m *model.Machine, target model.MachineStatus, cause Cause) (Change, error) {
	now := r.Now()
	if err := r.Check(m, target, cause, now); err != nil {
		return Change{}, err
	}

	from := m.Status
	m.Status = target
	if err := st.SaveMachineState(ctx, m); err != nil {
		m.Status = from
		return Change{}, err
	}

	metrics.MachineTransitions.WithLabelValues(string(from), string(target)).Inc()
	r.log.Infof("machine %d (%s): %s -> %s (%s)", m.ID, m.Code, from, target, cause)
	return Change{MachineID: m.ID, Code: m.Code, From: from, To: target, Cause: cause, At: now}, nil
}

// Publish broadcasts committed changes and emits their events. Failures are logged only.
func (r *Registry) Publish(ctx context.Context, fx Effects) {
	for _, c := range fx.Changes {
		r.notifier.Broadcast(ctx, notification.TopicMachineStatusChanged, c)
	}
	for _, ev := range fx.Events {
		if err := r.notifier.Emit(ctx, ev); err != nil {
			r.log.Errorf("failed to record %s event for machine %d: %v", ev.Type, ev.MachineID, err)
		}
	}
}

// Transition moves a machine to target inside its lock.
func (r *Registry) Transition(ctx context.Context, machineID int64, target model.MachineStatus, cause Cause) (Change, error) {
	var change Change
	err := r.guard.WithMachine(ctx, machineID, func() error {
		m, err := r.store.GetMachine(ctx, machineID)
		if err != nil {
			return err
		}
		change, err = r.Apply(ctx, r.store, m, target, cause)
		return err
	})
	if err != nil {
		return Change{}, err
	}
	r.Publish(ctx, Effects{Changes: []Change{change}})
	return change, nil
}

// AdminSetStatus is the admin status control. It never enters or leaves in_use;
// a running session is ended through session termination instead.
func (r *Registry) AdminSetStatus(ctx context.Context, machineID int64, target model.MachineStatus, adminID string) (Change, error) {
	switch target {
	case model.StatusOnline, model.StatusOffline, model.StatusMaintenance:
	case model.StatusInUse:
		return Change{}, apperr.State(apperr.ReasonInvalidTransition, "in_use cannot be set directly")
	default:
		return Change{}, apperr.Validation("unknown status %q", target)
	}

	var change Change
	err := r.guard.WithMachine(ctx, machineID, func() error {
		m, err := r.store.GetMachine(ctx, machineID)
		if err != nil {
			return err
		}
		if m.Status == model.StatusInUse {
			return apperr.State(apperr.ReasonInvalidTransition, "machine %d has a running session", machineID)
		}
		change, err = r.Apply(ctx, r.store, m, target, CauseAdmin)
		return err
	})
	if err != nil {
		return Change{}, err
	}
	r.log.Infof("admin %s set machine %d to %s", adminID, machineID, target)
	r.Publish(ctx, Effects{Changes: []Change{change}})
	return change, nil
}
