package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"vacuum-rental-backend/internal/model"
	"vacuum-rental-backend/internal/notification"
)

// Commander issues device commands out of band. Failed commands are retried with
// backoff and then reported as device_command_failed events; they never reach the caller.
// Commands for one machine are sent in issue order: a newer command abandons the
// retries of the one before it and waits for it to exit before its first attempt.
type Commander struct {
	gw      Gateway
	emitter notification.Emitter
	retries int
	initial time.Duration
	max     time.Duration
	log     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	latest map[int64]*inflight
}

type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCommander(gw Gateway, emitter notification.Emitter, retries int, initial, maxBackoff time.Duration, log *zap.SugaredLogger) *Commander {
	ctx, cancel := context.WithCancel(context.Background())
	return &Commander{
		gw:      gw,
		emitter: emitter,
		retries: retries,
		initial: initial,
		max:     maxBackoff,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		latest:  make(map[int64]*inflight),
	}
}

// Activate starts the machine for durationSeconds in the background.
func (c *Commander) Activate(machineID int64, durationSeconds int) {
	c.dispatch(machineID, ActionActivate, func(ctx context.Context) error {
		return c.gw.Activate(ctx, machineID, durationSeconds)
	})
}

// Deactivate stops the machine in the background.
func (c *Commander) Deactivate(machineID int64) {
	c.dispatch(machineID, ActionDeactivate, func(ctx context.Context) error {
		return c.gw.Deactivate(ctx, machineID)
	})
}

func (c *Commander) dispatch(machineID int64, action string, send func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(c.ctx)
	cur := &inflight{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	prev := c.latest[machineID]
	c.latest[machineID] = cur
	c.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(cur.done)
		defer func() {
			c.mu.Lock()
			if c.latest[machineID] == cur {
				delete(c.latest, machineID)
			}
			c.mu.Unlock()
			cancel()
		}()
		if prev != nil {
			<-prev.done
		}

		b := backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(c.initial),
			backoff.WithMaxInterval(c.max),
			backoff.WithMaxElapsedTime(0),
		)
		attempts := 0
		err := backoff.Retry(func() error {
			if err := ctx.Err(); err != nil {
				return backoff.Permanent(err)
			}
			attempts++
			return send(ctx)
		}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retries)), ctx))
		if err == nil {
			return
		}
		if ctx.Err() != nil && c.ctx.Err() == nil {
			c.log.Debugf("%s command for machine %d superseded after %d attempt(s)", action, machineID, attempts)
			return
		}

		c.log.Errorf("%s command for machine %d failed after %d attempt(s): %v", action, machineID, attempts, err)
		ev := notification.Event{
			Type:      model.EventDeviceCommandFailed,
			MachineID: machineID,
			Message:   fmt.Sprintf("%s command for machine %d failed after %d attempt(s): %v", action, machineID, attempts, err),
		}
		if eerr := c.emitter.Emit(context.Background(), ev); eerr != nil {
			c.log.Errorf("failed to record device failure for machine %d: %v", machineID, eerr)
		}
	}()
}

// Wait blocks until in-flight commands have finished.
func (c *Commander) Wait() {
	c.wg.Wait()
}

// Close abandons retries and waits for in-flight commands.
func (c *Commander) Close() {
	c.cancel()
	c.wg.Wait()
}
