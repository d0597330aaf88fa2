// Package maintenance accumulates machine usage and enforces the maintenance threshold.
package maintenance

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"vacuum-rental-backend/internal/apperr"
	"vacuum-rental-backend/internal/lock"
	"vacuum-rental-backend/internal/model"
	"vacuum-rental-backend/internal/notification"
	"vacuum-rental-backend/internal/registry"
	"vacuum-rental-backend/internal/store"
)

// Tracker owns the usage, override and maintenance-due columns of a machine.
type Tracker struct {
	store store.Store
	reg   *registry.Registry
	guard *lock.Guard
	log   *zap.SugaredLogger
}

func New(st store.Store, reg *registry.Registry, guard *lock.Guard, log *zap.SugaredLogger) *Tracker {
	return &Tracker{store: st, reg: reg, guard: guard, log: log}
}

func maintenanceEvent(m *model.Machine) notification.Event {
	return notification.Event{
		Type:      model.EventMaintenanceRequired,
		MachineID: m.ID,
		Message: fmt.Sprintf("Machine %s reached %d operating hours (interval %dh) and needs maintenance",
			m.Code, m.CurrentOperatingMinutes/60, m.MaintenanceIntervalHours),
	}
}

// trip marks the threshold crossing and moves an idle or running machine to maintenance.
// The event is raised once per crossing; MaintenanceDue stays set until a reset.
func (t *Tracker) trip(ctx context.Context, st store.Store, m *model.Machine, cause registry.Cause) (registry.Effects, error) {
	var fx registry.Effects
	if !m.MaintenanceDue {
		m.MaintenanceDue = true
		fx.Raise(maintenanceEvent(m))
	}
	// A running session is never cut short by an admin action; its termination applies
	// usage and performs the move instead.
	moveInUse := m.Status == model.StatusInUse && cause != registry.CauseOverrideDisabled
	if m.Status == model.StatusOnline || moveInUse {
		change, err := t.reg.Apply(ctx, st, m, model.StatusMaintenance, cause)
		if err != nil {
			return registry.Effects{}, err
		}
		fx.Add(change)
		return fx, nil
	}
	return fx, st.SaveMachineState(ctx, m)
}

// ApplyUsage adds minutes to m through st. The caller holds the machine's lock and
// publishes the returned effects after commit.
func (t *Tracker) ApplyUsage(ctx context.Context, st store.Store, m *model.Machine, minutes int64) (registry.Effects, error) {
	if minutes < 0 {
		return registry.Effects{}, apperr.Validation("usage minutes must not be negative, got %d", minutes)
	}
	m.CurrentOperatingMinutes += minutes

	if m.OverThreshold() && !m.OverrideActive {
		return t.trip(ctx, st, m, registry.CauseMaintenanceThreshold)
	}
	return registry.Effects{}, st.SaveMachineState(ctx, m)
}

// IncrementUsage records minutes of real usage on a machine.
func (t *Tracker) IncrementUsage(ctx context.Context, machineID int64, minutes int64) (*model.Machine, error) {
	var m *model.Machine
	var fx registry.Effects
	err := t.guard.WithMachine(ctx, machineID, func() error {
		return t.store.Tx(ctx, func(tx store.Store) error {
			var err error
			if m, err = tx.GetMachine(ctx, machineID); err != nil {
				return err
			}
			fx, err = t.ApplyUsage(ctx, tx, m, minutes)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	t.reg.Publish(ctx, fx)
	return m, nil
}

// ResetMaintenance zeroes usage after service, clears the override and brings the machine
// back online, or offline when its heartbeat is not fresh.
func (t *Tracker) ResetMaintenance(ctx context.Context, machineID int64, adminID string) (*model.Machine, error) {
	if strings.TrimSpace(adminID) == "" {
		return nil, apperr.Validation("admin id is required")
	}

	var m *model.Machine
	var fx registry.Effects
	err := t.guard.WithMachine(ctx, machineID, func() error {
		return t.store.Tx(ctx, func(tx store.Store) error {
			var err error
			if m, err = tx.GetMachine(ctx, machineID); err != nil {
				return err
			}
			if m.Status == model.StatusInUse {
				return apperr.State(apperr.ReasonInvalidTransition, "machine %d has a running session", machineID)
			}

			now := t.reg.Now()
			minutesAtReset := m.CurrentOperatingMinutes
			m.CurrentOperatingMinutes = 0
			m.MaintenanceDue = false
			m.OverrideActive, m.OverrideReason, m.OverrideBy, m.OverrideAt = false, "", "", nil

			target := model.StatusOnline
			if t.reg.HeartbeatFresh(m, now) != nil {
				target = model.StatusOffline
			}
			if m.Status == target {
				err = tx.SaveMachineState(ctx, m)
			} else {
				var change registry.Change
				change, err = t.reg.Apply(ctx, tx, m, target, registry.CauseAdminReset)
				fx.Add(change)
			}
			if err != nil {
				return err
			}

			return tx.AppendMaintenanceLog(ctx, &model.MaintenanceLogEntry{
				MachineID:    machineID,
				Type:         model.LogReset,
				PerformedBy:  adminID,
				MinutesAtLog: minutesAtReset,
				Timestamp:    now,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	t.log.Infof("admin %s reset maintenance on machine %d", adminID, machineID)
	t.reg.Publish(ctx, fx)
	return m, nil
}

// SetOverride enables or disables the maintenance override. Enabling lets a machine past
// its threshold keep taking sessions; disabling while over threshold forces maintenance,
// deferred to the end of the session when the machine is in use.
func (t *Tracker) SetOverride(ctx context.Context, machineID int64, active bool, reason, adminID string) (*model.Machine, error) {
	if strings.TrimSpace(adminID) == "" {
		return nil, apperr.Validation("admin id is required")
	}
	if active && strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation("a reason is required to enable an override")
	}

	var m *model.Machine
	var fx registry.Effects
	err := t.guard.WithMachine(ctx, machineID, func() error {
		return t.store.Tx(ctx, func(tx store.Store) error {
			var err error
			if m, err = tx.GetMachine(ctx, machineID); err != nil {
				return err
			}

			now := t.reg.Now()
			logType := model.LogOverrideDisabled
			if active {
				logType = model.LogOverrideEnabled
				m.OverrideActive, m.OverrideReason, m.OverrideBy, m.OverrideAt = true, reason, adminID, &now
				fx, err = t.release(ctx, tx, m)
			} else {
				m.OverrideActive, m.OverrideReason, m.OverrideBy, m.OverrideAt = false, "", "", nil
				if m.OverThreshold() {
					fx, err = t.trip(ctx, tx, m, registry.CauseOverrideDisabled)
				} else {
					err = tx.SaveMachineState(ctx, m)
				}
			}
			if err != nil {
				return err
			}

			return tx.AppendMaintenanceLog(ctx, &model.MaintenanceLogEntry{
				MachineID:    machineID,
				Type:         logType,
				PerformedBy:  adminID,
				Notes:        reason,
				MinutesAtLog: m.CurrentOperatingMinutes,
				Timestamp:    now,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	t.log.Infof("admin %s set override=%t on machine %d: %s", adminID, active, machineID, reason)
	t.reg.Publish(ctx, fx)
	return m, nil
}

// release brings a machine out of maintenance after an override is enabled. Without a
// fresh heartbeat it stays in maintenance; admission rechecks the heartbeat later.
func (t *Tracker) release(ctx context.Context, st store.Store, m *model.Machine) (registry.Effects, error) {
	var fx registry.Effects
	if m.Status == model.StatusMaintenance && t.reg.HeartbeatFresh(m, t.reg.Now()) == nil {
		change, err := t.reg.Apply(ctx, st, m, model.StatusOnline, registry.CauseOverrideEnabled)
		if err != nil {
			return fx, err
		}
		fx.Add(change)
		return fx, nil
	}
	return fx, st.SaveMachineState(ctx, m)
}

// RepairEntry is an admin-recorded service action.
type RepairEntry struct {
	PerformedBy   string
	Cost          int64
	PartsReplaced string
	Notes         string
}

// LogMaintenance appends a repair entry to the machine's audit log.
func (t *Tracker) LogMaintenance(ctx context.Context, machineID int64, e RepairEntry) (*model.MaintenanceLogEntry, error) {
	if strings.TrimSpace(e.PerformedBy) == "" {
		return nil, apperr.Validation("performedBy is required")
	}
	if e.Cost < 0 {
		return nil, apperr.Validation("cost must not be negative")
	}
	m, err := t.store.GetMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	entry := &model.MaintenanceLogEntry{
		MachineID:     machineID,
		Type:          model.LogRepair,
		PerformedBy:   e.PerformedBy,
		Cost:          e.Cost,
		PartsReplaced: e.PartsReplaced,
		Notes:         e.Notes,
		MinutesAtLog:  m.CurrentOperatingMinutes,
		Timestamp:     t.reg.Now(),
	}
	if err := t.store.AppendMaintenanceLog(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Logs returns a machine's maintenance history.
func (t *Tracker) Logs(ctx context.Context, machineID int64) ([]model.MaintenanceLogEntry, error) {
	return t.store.ListMaintenanceLogs(ctx, machineID)
}
