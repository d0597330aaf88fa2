// Package device sends commands to machine controllers and receives their heartbeats.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// Gateway drives the hardware on a machine.
type Gateway interface {
	Activate(ctx context.Context, machineID int64, durationSeconds int) error
	Deactivate(ctx context.Context, machineID int64) error
}

// Command actions.
const (
	ActionActivate   = "activate"
	ActionDeactivate = "deactivate"
)

// Command is the message a controller receives.
type Command struct {
	Action          string    `json:"action"`
	MachineID       int64     `json:"machineId"`
	DurationSeconds int       `json:"durationSeconds,omitempty"`
	IssuedAt        time.Time `json:"issuedAt"`
}

// Heartbeat is the liveness message a controller sends.
type Heartbeat struct {
	MachineID    int64     `json:"machineId"`
	ControllerID string    `json:"controllerId"`
	Timestamp    time.Time `json:"timestamp"`
}

// Transport is the message bus under the gateway.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(subject string, fn func(subject string, data []byte)) (func() error, error)
}

// HeartbeatRecorder consumes heartbeats.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, machineID int64, controllerID string, reportedAt time.Time) error
}

// NATSGateway talks to controllers over subjects <prefix>.<machineID>.commands and
// <prefix>.<machineID>.heartbeat.
type NATSGateway struct {
	bus    Transport
	prefix string
	clock  clock.Clock
	log    *zap.SugaredLogger
}

func NewNATSGateway(bus Transport, prefix string, clk clock.Clock, log *zap.SugaredLogger) *NATSGateway {
	return &NATSGateway{bus: bus, prefix: prefix, clock: clk, log: log}
}

func (g *NATSGateway) commandSubject(machineID int64) string {
	return fmt.Sprintf("%s.%d.commands", g.prefix, machineID)
}

func (g *NATSGateway) send(ctx context.Context, cmd Command) error {
	cmd.IssuedAt = g.clock.Now().UTC()
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode %s command: %w", cmd.Action, err)
	}
	return g.bus.Publish(ctx, g.commandSubject(cmd.MachineID), data)
}

func (g *NATSGateway) Activate(ctx context.Context, machineID int64, durationSeconds int) error {
	return g.send(ctx, Command{Action: ActionActivate, MachineID: machineID, DurationSeconds: durationSeconds})
}

func (g *NATSGateway) Deactivate(ctx context.Context, machineID int64) error {
	return g.send(ctx, Command{Action: ActionDeactivate, MachineID: machineID})
}

// ListenHeartbeats forwards controller heartbeats to rec until the returned func is called.
// The machine id comes from the payload, or from the subject when the payload omits it.
func (g *NATSGateway) ListenHeartbeats(ctx context.Context, rec HeartbeatRecorder) (func() error, error) {
	return g.bus.Subscribe(g.prefix+".*.heartbeat", func(subject string, data []byte) {
		var hb Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			g.log.Warnf("dropping malformed heartbeat on %s: %v", subject, err)
			return
		}
		if hb.MachineID == 0 {
			hb.MachineID = machineFromSubject(subject)
		}
		if hb.MachineID == 0 {
			g.log.Warnf("dropping heartbeat without machine id on %s", subject)
			return
		}
		if hb.Timestamp.IsZero() {
			hb.Timestamp = g.clock.Now().UTC()
		}
		if err := rec.RecordHeartbeat(ctx, hb.MachineID, hb.ControllerID, hb.Timestamp); err != nil {
			g.log.Warnf("heartbeat for machine %d rejected: %v", hb.MachineID, err)
		}
	})
}

func machineFromSubject(subject string) int64 {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 {
		return 0
	}
	id, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
