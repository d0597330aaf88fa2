// Package monitor runs the periodic liveness sweep and records controller heartbeats.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"vacuum-rental-backend/internal/apperr"
	"vacuum-rental-backend/internal/lock"
	"vacuum-rental-backend/internal/model"
	"vacuum-rental-backend/internal/notification"
	"vacuum-rental-backend/internal/registry"
	"vacuum-rental-backend/internal/store"
)

// SessionSweeper ends sessions that outlived their duration or never got paid.
type SessionSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
	SweepPending(ctx context.Context) (int, error)
}

// Options configures a Monitor.
type Options struct {
	Interval time.Duration
	// AutoRecover lets a heartbeat move an offline machine back online.
	AutoRecover bool
}

// Monitor flags machines offline when their heartbeat goes stale.
type Monitor struct {
	store    store.Store
	reg      *registry.Registry
	guard    *lock.Guard
	clock    clock.Clock
	sessions SessionSweeper
	opts     Options
	log      *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. sessions may be nil.
func New(st store.Store, reg *registry.Registry, guard *lock.Guard, clk clock.Clock, sessions SessionSweeper, opts Options, log *zap.SugaredLogger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Monitor{
		store:    st,
		reg:      reg,
		guard:    guard,
		clock:    clk,
		sessions: sessions,
		opts:     opts,
		log:      log,
	}
}

// Start runs the sweep loop in the background until Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.Run(ctx)
	}()
}

// Stop ends the loop started by Start and waits for the current tick to finish.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Run sweeps once per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Infof("liveness monitor started (interval %s, threshold %s)", m.opts.Interval, m.reg.Threshold())

	timer := m.clock.NewTimer(m.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("liveness monitor shutting down")
			return
		case <-timer.Chan():
			m.Tick(ctx)
			timer.Reset(m.opts.Interval)
		}
	}
}

// Tick runs one round of every periodic sweep.
func (m *Monitor) Tick(ctx context.Context) {
	if _, err := m.SweepOnce(ctx); err != nil {
		m.log.Errorf("liveness sweep failed: %v", err)
	}
	if m.sessions == nil {
		return
	}
	if n, err := m.sessions.SweepExpired(ctx); err != nil {
		m.log.Errorf("session expiry sweep failed: %v", err)
	} else if n > 0 {
		m.log.Infof("ended %d expired session(s)", n)
	}
	if n, err := m.sessions.SweepPending(ctx); err != nil {
		m.log.Errorf("pending payment sweep failed: %v", err)
	} else if n > 0 {
		m.log.Infof("failed %d unpaid session(s)", n)
	}
}

func (m *Monitor) stale(machine *model.Machine, now time.Time) bool {
	return machine.LastHeartbeatAt == nil || now.Sub(*machine.LastHeartbeatAt) > m.reg.Threshold()
}

// SweepOnce moves every online or in-use machine with a stale heartbeat to offline.
// Machines whose lock is held are left for the next tick.
func (m *Monitor) SweepOnce(ctx context.Context) (int, error) {
	machines, err := m.store.ListMachinesByStatus(ctx, model.StatusOnline, model.StatusInUse)
	if err != nil {
		return 0, err
	}

	now := m.reg.Now()
	flagged := 0
	for i := range machines {
		if !m.stale(&machines[i], now) {
			continue
		}
		ok, err := m.markOffline(ctx, machines[i].ID)
		switch {
		case errors.Is(err, apperr.ErrMachineBusy):
			m.log.Debugf("machine %d busy; retrying offline check next tick", machines[i].ID)
		case err != nil:
			m.log.Errorf("failed to mark machine %d offline: %v", machines[i].ID, err)
		case ok:
			flagged++
		}
	}
	return flagged, nil
}

func (m *Monitor) markOffline(ctx context.Context, machineID int64) (bool, error) {
	var fx registry.Effects
	err := m.guard.WithMachine(ctx, machineID, func() error {
		machine, err := m.store.GetMachine(ctx, machineID)
		if err != nil {
			return err
		}
		now := m.reg.Now()
		// Re-check under the lock: a heartbeat or another transition may have landed.
		if machine.Status != model.StatusOnline && machine.Status != model.StatusInUse {
			return nil
		}
		if !m.stale(machine, now) {
			return nil
		}

		change, err := m.reg.Apply(ctx, m.store, machine, model.StatusOffline, registry.CauseStaleness)
		if err != nil {
			return err
		}
		fx.Add(change)
		fx.Raise(notification.Event{
			Type:      model.EventMachineOffline,
			MachineID: machine.ID,
			Message:   offlineMessage(machine, now),
		})
		return nil
	})
	if err != nil {
		return false, err
	}
	m.reg.Publish(ctx, fx)
	return len(fx.Changes) > 0, nil
}

func offlineMessage(machine *model.Machine, now time.Time) string {
	if machine.LastHeartbeatAt == nil {
		return fmt.Sprintf("Machine %s went offline: no heartbeat ever received", machine.Code)
	}
	return fmt.Sprintf("Machine %s went offline: no heartbeat for %d seconds",
		machine.Code, int64(now.Sub(*machine.LastHeartbeatAt)/time.Second))
}

// RecordHeartbeat stores a controller heartbeat. Timestamps in the future are clamped to
// now and heartbeats older than the stored one are ignored. Unless AutoRecover is set it
// never changes the machine's status.
func (m *Monitor) RecordHeartbeat(ctx context.Context, machineID int64, controllerID string, reportedAt time.Time) error {
	now := m.reg.Now()
	at := reportedAt.UTC()
	if at.IsZero() || at.After(now) {
		at = now
	}

	updated, err := m.store.UpdateHeartbeat(ctx, machineID, controllerID, at)
	if err != nil {
		return err
	}
	if !updated {
		// Either unknown or out of order.
		if _, err := m.store.GetMachine(ctx, machineID); err != nil {
			return err
		}
		m.log.Debugf("ignoring out-of-order heartbeat for machine %d at %s", machineID, at)
		return nil
	}

	if !m.opts.AutoRecover {
		return nil
	}
	machine, err := m.store.GetMachine(ctx, machineID)
	if err != nil {
		return err
	}
	if machine.Status != model.StatusOffline {
		return nil
	}
	if _, err := m.reg.Transition(ctx, machineID, model.StatusOnline, registry.CauseHeartbeatRecheck); err != nil {
		m.log.Debugf("machine %d did not auto-recover: %v", machineID, err)
	}
	return nil
}
