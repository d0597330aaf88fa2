package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vacuum-rental-backend/internal/apperr"
	"vacuum-rental-backend/internal/lock"
	"vacuum-rental-backend/internal/maintenance"
	"vacuum-rental-backend/internal/model"
	"vacuum-rental-backend/internal/notification/notificationtest"
	"vacuum-rental-backend/internal/payment"
	"vacuum-rental-backend/internal/registry"
	"vacuum-rental-backend/internal/session"
	"vacuum-rental-backend/internal/store"
	"vacuum-rental-backend/internal/testutil"
)

type fakeGateway struct {
	mu      sync.Mutex
	charges []payment.ChargeRequest
	err     error
	fixedID string
}

func (g *fakeGateway) CreateCharge(ctx context.Context, req payment.ChargeRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.charges = append(g.charges, req)
	if g.fixedID != "" {
		return g.fixedID, nil
	}
	return "pay-" + req.SessionID[:8], nil
}

type fakeDevices struct {
	mu          sync.Mutex
	activated   []int64
	deactivated []int64
}

func (d *fakeDevices) Activate(machineID int64, durationSeconds int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activated = append(d.activated, machineID)
}

func (d *fakeDevices) Deactivate(machineID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deactivated = append(d.deactivated, machineID)
}

type fixture struct {
	store   store.Store
	clock   *testclock.Clock
	guard   *lock.Guard
	rec     *notificationtest.Recorder
	gateway *fakeGateway
	devices *fakeDevices
	orch    *session.Orchestrator
}

func newFixture(t *testing.T, machines ...*model.Machine) *fixture {
	t.Helper()
	st := store.NewGormStore(testutil.NewTestDB(t))
	clk := testutil.NewClock()
	guard := lock.NewGuard(0)
	rec := &notificationtest.Recorder{}
	log := zap.NewNop().Sugar()
	reg := registry.New(st, clk, guard, rec, 90*time.Second, log)
	tracker := maintenance.New(st, reg, guard, log)
	gw := &fakeGateway{}
	dev := &fakeDevices{}
	for _, m := range machines {
		require.NoError(t, st.CreateMachine(context.Background(), m))
	}
	orch := session.New(st, reg, tracker, guard, gw, dev, rec, clk, session.Options{
		MaxDurationMinutes: 30,
		PendingTimeout:     15 * time.Minute,
	}, log)
	return &fixture{store: st, clock: clk, guard: guard, rec: rec, gateway: gw, devices: dev, orch: orch}
}

func (f *fixture) machine(t *testing.T, id int64) *model.Machine {
	t.Helper()
	m, err := f.store.GetMachine(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (f *fixture) balance(t *testing.T, user string) int64 {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return b
}

// advance moves the clock and keeps machine heartbeats fresh.
func (f *fixture) advance(t *testing.T, d time.Duration, ids ...int64) {
	t.Helper()
	f.clock.Advance(d)
	for _, id := range ids {
		_, err := f.store.UpdateHeartbeat(context.Background(), id, "", f.clock.Now().UTC())
		require.NoError(t, err)
	}
}

func TestOrchestrator_BalanceSessionLifecycle(t *testing.T) {
	f := newFixture(t, testutil.Machine(1, testutil.Epoch))
	ctx := context.Background()
	require.NoError(t, f.store.Credit(ctx, "user-1", 100))

	res, err := f.orch.Create(ctx, session.CreateRequest{
		UserID: "user-1", MachineID: 1, DurationMinutes: 30, PaymentMethod: payment.MethodBalance,
	})
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, res.Session.Status)
	assert.Equal(t, int64(30), res.Session.Cost)
	assert.False(t, res.MaintenanceWarning)
	assert.Equal(t, int64(70), f.balance(t, "user-1"))
	assert.Equal(t, model.StatusInUse, f.machine(t, 1).Status)
	assert.Equal(t, []int64{1}, f.devices.activated)

	f.advance(t, 3*time.Minute, 1)
	done, err := f.orch.Terminate(ctx, res.Session.ID, session.CauseUserStop)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, done.Status)
	assert.Equal(t, 3, done.ActualMinutesUsed)
	assert.Equal(t, session.CauseUserStop, done.EndCause)

	m := f.machine(t, 1)
	assert.Equal(t, model.StatusOnline, m.Status)
	assert.Equal(t, int64(3), m.CurrentOperatingMinutes)
	assert.Equal(t, int64(70), f.balance(t, "user-1"), "no refund for unused minutes")
	assert.Equal(t, []int64{1}, f.devices.deactivated)
	assert.Len(t, f.rec.Broadcasts("sessionStatusChanged"), 2)

	_, err = f.orch.Terminate(ctx, res.Session.ID, session.CauseUserStop)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
}

func TestOrchestrator_ConcurrentCreateAdmitsOne(t *testing.T) {
	f := newFixture(t, testutil.Machine(1, testutil.Epoch))
	ctx := context.Background()
	require.NoError(t, f.store.Credit(ctx, "user-1", 100))
	require.NoError(t, f.store.Credit(ctx, "user-2", 100))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range []string{"user-1", "user-2"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = f.orch.Create(ctx, session.CreateRequest{
				UserID: user, MachineID: 1, DurationMinutes: 10, PaymentMethod: payment.MethodBalance,
			})
		}(i, user)
	}
	wg.Wait()

	var ok, busy int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrMachineBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, busy)
	assert.Equal(t, int64(190), f.balance(t, "user-1")+f.balance(t, "user-2"), "exactly one debit")
	assert.Equal(t, model.StatusInUse, f.machine(t, 1).Status)
}

func TestOrchestrator_CreateRejections(t *testing.T) {
	busy := testutil.Machine(2, testutil.Epoch)
	busy.Status = model.StatusInUse
	maint := testutil.Machine(3, testutil.Epoch)
	maint.Status = model.StatusMaintenance
	stale := testutil.Machine(4, testutil.Epoch.Add(-time.Hour))
	stale.Status = model.StatusOffline

	f := newFixture(t, testutil.Machine(1, testutil.Epoch), busy, maint, stale)
	ctx := context.Background()
	require.NoError(t, f.store.Credit(ctx, "poor", 5))

	tests := []struct {
		name string
		req  session.CreateRequest
		want error
	}{
		{"no user", session.CreateRequest{MachineID: 1, DurationMinutes: 5, PaymentMethod: "balance"}, apperr.ErrValidation},
		{"too long", session.CreateRequest{UserID: "u", MachineID: 1, DurationMinutes: 31, PaymentMethod: "balance"}, apperr.ErrValidation},
		{"zero duration", session.CreateRequest{UserID: "u", MachineID: 1, DurationMinutes: 0, PaymentMethod: "balance"}, apperr.ErrValidation},
		{"unknown method", session.CreateRequest{UserID: "u", MachineID: 1, DurationMinutes: 5, PaymentMethod: "cash"}, apperr.ErrValidation},
		{"unknown machine", session.CreateRequest{UserID: "u", MachineID: 99, DurationMinutes: 5, PaymentMethod: "balance"}, apperr.ErrNotFound},
		{"bad code", session.CreateRequest{UserID: "u", MachineCode: "???", DurationMinutes: 5, PaymentMethod: "balance"}, apperr.ErrValidation},
		{"in use", session.CreateRequest{UserID: "u", MachineID: 2, DurationMinutes: 5, PaymentMethod: "balance"}, apperr.ErrMachineBusy},
		{"maintenance", session.CreateRequest{UserID: "u", MachineID: 3, DurationMinutes: 5, PaymentMethod: "balance"}, apperr.ErrMaintenanceBlocked},
		{"offline", session.CreateRequest{UserID: "u", MachineID: 4, DurationMinutes: 5, PaymentMethod: "balance"}, apperr.ErrHeartbeatRequired},
		{"insufficient balance", session.CreateRequest{UserID: "poor", MachineID: 1, DurationMinutes: 10, PaymentMethod: "balance"}, apperr.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Create(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	// A failed debit leaves nothing behind.
	assert.Equal(t, int64(5), f.balance(t, "poor"))
	assert.Equal(t, model.StatusOnline, f.machine(t, 1).Status)
	open, err := f.store.FindOpenSession(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestOrchestrator_CreateByCodeRechecksOfflineMachine(t *testing.T) {
	m := testutil.Machine(7, testutil.Epoch)
	m.Status = model.StatusOffline
	f := newFixture(t, m)
	ctx := context.Background()
	require.NoError(t, f.store.Credit(ctx, "user-1", 50))

	res, err := f.orch.Create(ctx, session.CreateRequest{
		UserID: "user-1", MachineCode: "https://rent.example/m?code=vc-7", DurationMinutes: 5, PaymentMethod: "balance",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Session.MachineID)

	var causes []registry.Cause
	for _, b := range f.rec.Broadcasts("machineStatusChanged") {
		causes = append(causes, b.Payload.(registry.Change).Cause)
	}
	assert.Equal(t, []registry.Cause{registry.CauseHeartbeatRecheck, registry.CauseSessionActivation}, causes)
}

func TestOrchestrator_IdleMachineOverThresholdIsBlocked(t *testing.T) {
	m := testutil.Machine(1, testutil.Epoch)
	m.CurrentOperatingMinutes = 6000
	f := newFixture(t, m)
	ctx := context.Background()
	require.NoError(t, f.store.Credit(ctx, "user-1", 50))

	_, err := f.orch.Create(ctx, session.CreateRequest{UserID: "user-1", MachineID: 1, DurationMinutes: 5, PaymentMethod: "balance"})
	assert.True(t, errors.Is(err, apperr.ErrMaintenanceBlocked))
	assert.Equal(t, model.StatusMaintenance, f.machine(t, 1).Status)
	assert.Len(t, f.rec.Events(model.EventMaintenanceRequired), 1)
	assert.Equal(t, int64(50), f.balance(t, "user-1"))
}

func TestOrchestrator_OverrideAdmitsWithWarning(t *testing.T) {
	m := testutil.Machine(1, testutil.Epoch)
	m.Status = model.StatusMaintenance
	m.CurrentOperatingMinutes = 6100
	m.MaintenanceDue = true
	m.OverrideActive = true
	m.OverrideReason = "exam week"
	f := newFixture(t, m)
	ctx := context.Background()
	require.NoError(t, f.store.Credit(ctx, "user-1", 50))

	res, err := f.orch.Create(ctx, session.CreateRequest{UserID: "user-1", MachineID: 1, DurationMinutes: 5, PaymentMethod: "balance"})
	require.NoError(t, err)
	assert.True(t, res.MaintenanceWarning)
	assert.Equal(t, model.StatusInUse, f.machine(t, 1).Status)

	// Ending the session keeps the machine available while the override holds.
	f.advance(t, 5*time.Minute, 1)
	_, err = f.orch.Terminate(ctx, res.Session.ID, session.CauseUserStop)
	require.NoError(t, err)
	got := f.machine(t, 1)
	assert.Equal(t, model.StatusOnline, got.Status)
	assert.Equal(t, int64(6105), got.CurrentOperatingMinutes)
	assert.Empty(t, f.rec.Events(model.EventMaintenanceRequired))
}

func TestOrchestrator_UsageCrossesThresholdOnStop(t *testing.T) {
	m := testutil.Machine(1, testutil.Epoch)
	m.CurrentOperatingMinutes = 5990
	f := newFixture(t, m)
	ctx := context.Background()
	require.NoError(t, f.store.Credit(ctx, "user-1", 50))

	res, err := f.orch.Create(ctx, session.CreateRequest{UserID: "user-1", MachineID: 1, DurationMinutes: 15, PaymentMethod: "balance"})
	require.NoError(t, err)

	f.advance(t, 10*time.Minute, 1)
	done, err := f.orch.Terminate(ctx, res.Session.ID, session.CauseUserStop)
	require.NoError(t, err)
	assert.Equal(t, 10, done.ActualMinutesUsed)

	got := f.machine(t, 1)
	assert.Equal(t, int64(6000), got.CurrentOperatingMinutes)
	assert.Equal(t, model.StatusMaintenance, got.Status)
	assert.True(t, got.MaintenanceDue)
	assert.Len(t, f.rec.Events(model.EventMaintenanceRequired), 1)
}

func TestOrchestrator_StopWithStaleHeartbeatGoesOffline(t *testing.T) {
	f := newFixture(t, testutil.Machine(1, testutil.Epoch))
	ctx := context.Background()
	require.NoError(t, f.store.Credit(ctx, "user-1", 50))

	res, err := f.orch.Create(ctx, session.CreateRequest{UserID: "user-1", MachineID: 1, DurationMinutes: 10, PaymentMethod: "balance"})
	require.NoError(t, err)

	f.clock.Advance(150 * time.Second)
	done, err := f.orch.Terminate(ctx, res.Session.ID, session.CauseAdminForce)
	require.NoError(t, err)
	assert.Equal(t, 3, done.ActualMinutesUsed, "partial minutes round up")
	assert.Equal(t, model.StatusOffline, f.machine(t, 1).Status)
}

func TestOrchestrator_TerminateWithReportClamps(t *testing.T) {
	f := newFixture(t, testutil.Machine(1, testutil.Epoch))
	ctx := context.Background()
	require.NoError(t, f.store.Credit(ctx, "user-1", 50))

	res, err := f.orch.Create(ctx, session.CreateRequest{UserID: "user-1", MachineID: 1, DurationMinutes: 10, PaymentMethod: "balance"})
	require.NoError(t, err)

	_, err = f.orch.TerminateWithReport(ctx, res.Session.ID, -1)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	f.advance(t, 2*time.Minute, 1)
	done, err := f.orch.TerminateWithReport(ctx, res.Session.ID, 45)
	require.NoError(t, err)
	assert.Equal(t, 10, done.ActualMinutesUsed)
	assert.Equal(t, session.CauseDeviceReport, done.EndCause)
}

func TestOrchestrator_BusyMachineLockFailsFast(t *testing.T) {
	f := newFixture(t, testutil.Machine(1, testutil.Epoch))
	ctx := context.Background()
	require.NoError(t, f.store.Credit(ctx, "user-1", 50))

	release, err := f.guard.TryAcquire(ctx, 1)
	require.NoError(t, err)
	defer release()

	_, err = f.orch.Create(ctx, session.CreateRequest{UserID: "user-1", MachineID: 1, DurationMinutes: 5, PaymentMethod: "balance"})
	assert.True(t, errors.Is(err, apperr.ErrMachineBusy))
	assert.Equal(t, int64(50), f.balance(t, "user-1"))
}

func createDeferred(t *testing.T, f *fixture, machineID int64) *model.UsageSession {
	t.Helper()
	res, err := f.orch.Create(context.Background(), session.CreateRequest{
		UserID: "user-1", MachineID: machineID, DurationMinutes: 20, PaymentMethod: payment.MethodCard,
	})
	require.NoError(t, err)
	require.Equal(t, model.SessionPending, res.Session.Status)
	require.NotEmpty(t, res.Session.PaymentID)
	return res.Session
}

func TestOrchestrator_DeferredPaymentConfirmation(t *testing.T) {
	f := newFixture(t, testutil.Machine(1, testutil.Epoch))
	ctx := context.Background()

	sess := createDeferred(t, f, 1)
	require.Len(t, f.gateway.charges, 1)
	assert.Equal(t, int64(20), f.gateway.charges[0].Amount)
	assert.Equal(t, model.StatusOnline, f.machine(t, 1).Status, "machine is not held before payment")
	assert.Empty(t, f.devices.activated)

	// A second rental cannot start while the first awaits payment.
	_, err := f.orch.Create(ctx, session.CreateRequest{UserID: "user-2", MachineID: 1, DurationMinutes: 5, PaymentMethod: "wallet"})
	assert.True(t, errors.Is(err, apperr.ErrMachineBusy))

	_, err = f.orch.ConfirmPayment(ctx, payment.Confirmation{PaymentID: sess.PaymentID, Status: payment.StatusSucceeded, Amount: 19})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	confirm := payment.Confirmation{PaymentID: sess.PaymentID, Status: payment.StatusSucceeded, Amount: 20}
	got, err := f.orch.ConfirmPayment(ctx, confirm)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, got.Status)
	require.NotNil(t, got.StartTime)
	assert.Equal(t, model.StatusInUse, f.machine(t, 1).Status)
	assert.Equal(t, []int64{1}, f.devices.activated)

	// Duplicate callbacks have no further effect.
	again, err := f.orch.ConfirmPayment(ctx, confirm)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, again.Status)
	assert.Equal(t, []int64{1}, f.devices.activated)
	assert.Len(t, f.rec.Broadcasts("machineStatusChanged"), 1)
}

func TestOrchestrator_DeferredPaymentFailed(t *testing.T) {
	f := newFixture(t, testutil.Machine(1, testutil.Epoch))
	sess := createDeferred(t, f, 1)

	got, err := f.orch.ConfirmPayment(context.Background(), payment.Confirmation{PaymentID: sess.PaymentID, Status: payment.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, got.Status)
	assert.Equal(t, session.EndPaymentFailed, got.EndCause)
	assert.Equal(t, model.StatusOnline, f.machine(t, 1).Status)
}

func TestOrchestrator_GatewayFailureCreatesNothing(t *testing.T) {
	f := newFixture(t, testutil.Machine(1, testutil.Epoch))
	f.gateway.err = apperr.External(apperr.ReasonGatewayFailure, nil, "gateway down")

	_, err := f.orch.Create(context.Background(), session.CreateRequest{UserID: "user-1", MachineID: 1, DurationMinutes: 5, PaymentMethod: "card"})
	assert.True(t, errors.Is(err, apperr.ErrExternal))
	open, err := f.store.FindOpenSession(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestOrchestrator_UnrecordedChargeIsOrphaned(t *testing.T) {
	f := newFixture(t, testutil.Machine(1, testutil.Epoch))
	ctx := context.Background()
	// A clashing payment id makes the local write fail after the gateway charged.
	require.NoError(t, f.store.CreatePayment(ctx, &model.Payment{
		PaymentID: "pay-dup", SessionID: "earlier", Amount: 1, Status: payment.StatusCreated, CreatedAt: testutil.Epoch,
	}))
	f.gateway.fixedID = "pay-dup"

	_, err := f.orch.Create(ctx, session.CreateRequest{UserID: "user-1", MachineID: 1, DurationMinutes: 5, PaymentMethod: "card"})
	require.Error(t, err)

	events := f.rec.Events(model.EventPaymentOrphaned)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].MachineID)
	assert.Contains(t, events[0].Message, "pay-dup")
	assert.Len(t, f.gateway.charges, 1)

	open, err := f.store.FindOpenSession(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestOrchestrator_LatePaymentIsOrphaned(t *testing.T) {
	f := newFixture(t, testutil.Machine(1, testutil.Epoch))
	ctx := context.Background()
	sess := createDeferred(t, f, 1)

	f.advance(t, 10*time.Minute, 1)
	n, err := f.orch.SweepPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.advance(t, 6*time.Minute, 1)
	n, err = f.orch.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := f.orch.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, expired.Status)
	assert.Equal(t, session.EndPaymentTimeout, expired.EndCause)

	got, err := f.orch.ConfirmPayment(ctx, payment.Confirmation{PaymentID: sess.PaymentID, Status: payment.StatusSucceeded, Amount: 20})
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, got.Status)
	assert.Equal(t, model.StatusOnline, f.machine(t, 1).Status)
	assert.Empty(t, f.devices.activated)
	assert.Len(t, f.rec.Events(model.EventPaymentOrphaned), 1)
}

func TestOrchestrator_PaymentForUnavailableMachineIsOrphaned(t *testing.T) {
	f := newFixture(t, testutil.Machine(1, testutil.Epoch))
	ctx := context.Background()
	sess := createDeferred(t, f, 1)

	// The controller goes silent before the gateway calls back.
	f.clock.Advance(5 * time.Minute)
	m := f.machine(t, 1)
	m.Status = model.StatusOffline
	require.NoError(t, f.store.SaveMachineState(ctx, m))

	got, err := f.orch.ConfirmPayment(ctx, payment.Confirmation{PaymentID: sess.PaymentID, Status: payment.StatusSucceeded, Amount: 20})
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, got.Status)
	assert.Equal(t, session.EndMachineUnavailable, got.EndCause)
	assert.Equal(t, model.StatusOffline, f.machine(t, 1).Status)
	assert.Len(t, f.rec.Events(model.EventPaymentOrphaned), 1)
}

func TestOrchestrator_CancelPendingSession(t *testing.T) {
	f := newFixture(t, testutil.Machine(1, testutil.Epoch))
	sess := createDeferred(t, f, 1)

	got, err := f.orch.Terminate(context.Background(), sess.ID, session.CauseUserStop)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCancelled, got.Status)
	assert.Empty(t, f.devices.deactivated)
}

func TestOrchestrator_SweepExpired(t *testing.T) {
	f := newFixture(t, testutil.Machine(1, testutil.Epoch), testutil.Machine(2, testutil.Epoch))
	ctx := context.Background()
	require.NoError(t, f.store.Credit(ctx, "user-1", 100))

	short, err := f.orch.Create(ctx, session.CreateRequest{UserID: "user-1", MachineID: 1, DurationMinutes: 5, PaymentMethod: "balance"})
	require.NoError(t, err)
	long, err := f.orch.Create(ctx, session.CreateRequest{UserID: "user-1", MachineID: 2, DurationMinutes: 20, PaymentMethod: "balance"})
	require.NoError(t, err)

	f.advance(t, 5*time.Minute, 1, 2)
	n, err := f.orch.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done, err := f.orch.Get(ctx, short.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, done.Status)
	assert.Equal(t, session.CauseTimeout, done.EndCause)
	assert.Equal(t, 5, done.ActualMinutesUsed)
	assert.Equal(t, model.StatusOnline, f.machine(t, 1).Status)

	still, err := f.orch.Get(ctx, long.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, still.Status)
}
