package device

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vacuum-rental-backend/internal/model"
	"vacuum-rental-backend/internal/notification/notificationtest"
	"vacuum-rental-backend/internal/testutil"
)

type fakeTransport struct {
	mu        sync.Mutex
	published map[string][]byte
	subject   string
	handler   func(subject string, data []byte)
}

func (f *fakeTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = make(map[string][]byte)
	}
	f.published[subject] = payload
	return nil
}

func (f *fakeTransport) Subscribe(subject string, fn func(subject string, data []byte)) (func() error, error) {
	f.subject = subject
	f.handler = fn
	return func() error { return nil }, nil
}

type heartbeatCall struct {
	machineID    int64
	controllerID string
	at           time.Time
}

type fakeRecorder struct {
	calls []heartbeatCall
}

func (r *fakeRecorder) RecordHeartbeat(ctx context.Context, machineID int64, controllerID string, reportedAt time.Time) error {
	r.calls = append(r.calls, heartbeatCall{machineID, controllerID, reportedAt})
	return nil
}

func TestNATSGateway_Commands(t *testing.T) {
	bus := &fakeTransport{}
	gw := NewNATSGateway(bus, "vacuum", testutil.NewClock(), zap.NewNop().Sugar())

	require.NoError(t, gw.Activate(context.Background(), 7, 600))
	require.NoError(t, gw.Deactivate(context.Background(), 8))

	var cmd Command
	require.NoError(t, json.Unmarshal(bus.published["vacuum.7.commands"], &cmd))
	assert.Equal(t, Command{Action: ActionActivate, MachineID: 7, DurationSeconds: 600, IssuedAt: testutil.Epoch}, cmd)

	require.NoError(t, json.Unmarshal(bus.published["vacuum.8.commands"], &cmd))
	assert.Equal(t, ActionDeactivate, cmd.Action)
	assert.Equal(t, int64(8), cmd.MachineID)
}

func TestNATSGateway_ListenHeartbeats(t *testing.T) {
	bus := &fakeTransport{}
	gw := NewNATSGateway(bus, "vacuum", testutil.NewClock(), zap.NewNop().Sugar())
	rec := &fakeRecorder{}

	_, err := gw.ListenHeartbeats(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "vacuum.*.heartbeat", bus.subject)

	reported := testutil.Epoch.Add(-5 * time.Second)
	bus.handler("vacuum.3.heartbeat", []byte(`{"machineId":3,"controllerId":"ctrl-3","timestamp":"`+reported.Format(time.RFC3339)+`"}`))
	bus.handler("vacuum.4.heartbeat", []byte(`{"controllerId":"ctrl-4"}`))
	bus.handler("vacuum.x.heartbeat", []byte(`{}`))
	bus.handler("vacuum.5.heartbeat", []byte(`not json`))

	require.Len(t, rec.calls, 2)
	assert.Equal(t, heartbeatCall{3, "ctrl-3", reported}, heartbeatCall{rec.calls[0].machineID, rec.calls[0].controllerID, rec.calls[0].at.UTC()})
	assert.Equal(t, int64(4), rec.calls[1].machineID, "machine id taken from subject")
	assert.True(t, rec.calls[1].at.Equal(testutil.Epoch), "missing timestamp defaults to now")
}

// flakyGateway fails the first failN calls.
type flakyGateway struct {
	mu    sync.Mutex
	failN int
	calls int
}

func (g *flakyGateway) call() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.calls <= g.failN {
		return errors.New("controller unreachable")
	}
	return nil
}

func (g *flakyGateway) Activate(ctx context.Context, machineID int64, durationSeconds int) error {
	return g.call()
}

func (g *flakyGateway) Deactivate(ctx context.Context, machineID int64) error {
	return g.call()
}

func TestCommander(t *testing.T) {
	testCases := []struct {
		name       string
		failN      int
		wantCalls  int
		wantEvents int
	}{
		{name: "first try", wantCalls: 1},
		{name: "recovers after retries", failN: 2, wantCalls: 3},
		{name: "gives up", failN: 100, wantCalls: 4, wantEvents: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &flakyGateway{failN: tc.failN}
			rec := &notificationtest.Recorder{}
			c := NewCommander(gw, rec, 3, time.Millisecond, 2*time.Millisecond, zap.NewNop().Sugar())
			defer c.Close()

			c.Activate(9, 300)
			c.Wait()

			assert.Equal(t, tc.wantCalls, gw.calls)
			events := rec.Events(model.EventDeviceCommandFailed)
			require.Len(t, events, tc.wantEvents)
			if tc.wantEvents > 0 {
				assert.Equal(t, int64(9), events[0].MachineID)
				assert.Contains(t, events[0].Message, "controller unreachable")
			}
		})
	}
}

// recordingGateway fails the first activate and records the commands that went through.
type recordingGateway struct {
	mu       sync.Mutex
	failed   bool
	attempts []string
	applied  []string
}

func (g *recordingGateway) Activate(ctx context.Context, machineID int64, durationSeconds int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts = append(g.attempts, ActionActivate)
	if !g.failed {
		g.failed = true
		return errors.New("controller unreachable")
	}
	g.applied = append(g.applied, ActionActivate)
	return nil
}

func (g *recordingGateway) Deactivate(ctx context.Context, machineID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts = append(g.attempts, ActionDeactivate)
	g.applied = append(g.applied, ActionDeactivate)
	return nil
}

func (g *recordingGateway) snapshot() (attempts, applied []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.attempts...), append([]string(nil), g.applied...)
}

func TestCommander_DeactivateSupersedesActivateRetry(t *testing.T) {
	gw := &recordingGateway{}
	rec := &notificationtest.Recorder{}
	c := NewCommander(gw, rec, 5, 50*time.Millisecond, 50*time.Millisecond, zap.NewNop().Sugar())
	defer c.Close()

	c.Activate(9, 300)
	assert.Eventually(t, func() bool {
		attempts, _ := gw.snapshot()
		return len(attempts) > 0
	}, time.Second, time.Millisecond, "first activate attempt")

	c.Deactivate(9)
	c.Wait()

	attempts, applied := gw.snapshot()
	assert.Equal(t, []string{ActionDeactivate}, applied)
	assert.Equal(t, ActionDeactivate, attempts[len(attempts)-1])
	assert.Empty(t, rec.Events(model.EventDeviceCommandFailed), "superseded command is not a failure")
}

func TestCommander_MachinesAreIndependent(t *testing.T) {
	gw := &flakyGateway{}
	rec := &notificationtest.Recorder{}
	c := NewCommander(gw, rec, 1, time.Millisecond, time.Millisecond, zap.NewNop().Sugar())
	defer c.Close()

	c.Activate(1, 60)
	c.Activate(2, 60)
	c.Wait()

	assert.Equal(t, 2, gw.calls)
}
