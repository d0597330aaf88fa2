package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"vacuum-rental-backend/internal/metrics"
	"vacuum-rental-backend/internal/model"
	"vacuum-rental-backend/internal/store"
)

var errNoRecipients = errors.New("no recipients subscribed")

// Options configures a Dispatcher.
type Options struct {
	Workers        int
	QueueSize      int
	MaxPerHour     int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SubjectPrefix  string
}

// Dispatcher persists alerts, rate-limits them per machine and delivers them through
// a pool of workers. Delivery outcomes are recorded on the event row and never feed
// back into machine or session state.
type Dispatcher struct {
	store   store.Store
	channel Channel
	bus     Publisher
	limiter *AlertLimiter
	clock   clock.Clock
	log     *zap.SugaredLogger
	opts    Options

	jobs   chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc

	// queued holds event ids sitting in jobs or being delivered.
	mu       sync.Mutex
	queued   map[string]struct{}
	overflow atomic.Bool
}

// NewDispatcher creates a dispatcher. bus may be nil, in which case broadcasts are only logged.
func NewDispatcher(st store.Store, ch Channel, bus Publisher, clk clock.Clock, opts Options, log *zap.SugaredLogger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Dispatcher{
		store:   st,
		channel: ch,
		bus:     bus,
		limiter: NewAlertLimiter(opts.MaxPerHour),
		clock:   clk,
		log:     log,
		opts:    opts,
		jobs:    make(chan string, opts.QueueSize),
		queued:  make(map[string]struct{}),
	}
}

// Start launches the worker goroutines and requeues events left pending by a previous run.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	if err := d.RetryPending(ctx); err != nil {
		d.log.Warnf("could not requeue pending events: %v", err)
	}
}

// Stop cancels the workers and waits for them to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	d.log.Debugf("notification worker %d started", id)
	for {
		select {
		case eventID := <-d.jobs:
			d.deliver(ctx, eventID)
			d.finish(eventID)
			if d.overflow.CompareAndSwap(true, false) {
				if err := d.RetryPending(ctx); err != nil {
					d.log.Warnf("could not requeue pending events: %v", err)
				}
			}
		case <-ctx.Done():
			d.log.Debugf("notification worker %d shutting down", id)
			return
		}
	}
}

// Jobs returns the jobs channel for testing.
func (d *Dispatcher) Jobs() chan string {
	return d.jobs
}

// Emit records the event and queues it for delivery. Events over the per-machine
// rate limit are counted and dropped before they are persisted.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) error {
	now := d.clock.Now().UTC()
	if !d.limiter.Allow(ev.Type, ev.MachineID, now) {
		metrics.RateLimitedEvents.WithLabelValues(ev.Type).Inc()
		d.log.Infof("rate limited %s event for machine %d", ev.Type, ev.MachineID)
		return nil
	}

	rec := model.NotificationEvent{
		ID:               uuid.NewString(),
		Type:             ev.Type,
		SubjectMachineID: ev.MachineID,
		Message:          ev.Message,
		DeliveryStatus:   model.DeliveryPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := d.store.CreateEvent(ctx, &rec); err != nil {
		return err
	}

	d.enqueue(rec.ID)
	return nil
}

// enqueue never blocks. An event that does not fit stays pending and is picked up
// again once a worker frees a slot.
func (d *Dispatcher) enqueue(eventID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queued[eventID]; ok {
		return
	}
	select {
	case d.jobs <- eventID:
		d.queued[eventID] = struct{}{}
	default:
		d.overflow.Store(true)
		d.log.Warnf("notification queue full; event %s requeued once the backlog drains", eventID)
	}
}

func (d *Dispatcher) finish(eventID string) {
	d.mu.Lock()
	delete(d.queued, eventID)
	d.mu.Unlock()
}

// RetryPending requeues events still pending, e.g. after a restart or a full queue.
// Events already queued or in delivery are skipped.
func (d *Dispatcher) RetryPending(ctx context.Context) error {
	pending, err := d.store.ListEventsByStatus(ctx, model.DeliveryPending)
	if err != nil {
		return err
	}
	for _, ev := range pending {
		d.enqueue(ev.ID)
	}
	return nil
}

func (d *Dispatcher) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(d.opts.InitialBackoff),
		backoff.WithMaxInterval(d.opts.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.MaxRetries)), ctx)
}

// deliver sends one event to every recipient, retrying the ones that failed.
func (d *Dispatcher) deliver(ctx context.Context, eventID string) {
	ev, err := d.store.GetEvent(ctx, eventID)
	if err != nil {
		d.log.Errorf("error fetching event %s: %v", eventID, err)
		return
	}
	if ev.DeliveryStatus != model.DeliveryPending {
		return
	}

	attempts := ev.Attempts
	var remaining []model.PushSubscription
	loaded := false

	op := func() error {
		attempts++
		if !loaded {
			subs, err := d.store.ListSubscriptionsForMachine(ctx, ev.SubjectMachineID)
			if err != nil {
				return err
			}
			if len(subs) == 0 {
				return backoff.Permanent(errNoRecipients)
			}
			remaining, loaded = subs, true
		}

		var failed []model.PushSubscription
		var lastErr error
		for _, sub := range remaining {
			if err := d.channel.Send(ctx, ev.Message, sub); err != nil {
				failed = append(failed, sub)
				lastErr = err
			}
		}
		remaining = failed
		if lastErr != nil {
			d.log.Warnf("attempt %d for event %s: %d recipient(s) failed: %v", attempts, ev.ID, len(failed), lastErr)
			return fmt.Errorf("%d recipient(s) failed: %w", len(failed), lastErr)
		}
		return nil
	}

	err = backoff.Retry(op, d.newBackOff(ctx))
	switch {
	case err == nil:
		metrics.Notifications.WithLabelValues("sent").Inc()
		if uerr := d.store.UpdateEventDelivery(ctx, ev.ID, model.DeliverySent, attempts, ""); uerr != nil {
			d.log.Errorf("failed to mark event %s sent: %v", ev.ID, uerr)
		}
	case ctx.Err() != nil:
		// Shutting down: keep it pending for the next start.
		if uerr := d.store.UpdateEventDelivery(context.Background(), ev.ID, model.DeliveryPending, attempts, err.Error()); uerr != nil {
			d.log.Errorf("failed to record attempts for event %s: %v", ev.ID, uerr)
		}
	default:
		metrics.Notifications.WithLabelValues("failed").Inc()
		d.log.Errorf("event %s (%s, machine %d) failed after %d attempt(s): %v", ev.ID, ev.Type, ev.SubjectMachineID, attempts, err)
		if uerr := d.store.UpdateEventDelivery(ctx, ev.ID, model.DeliveryFailed, attempts, err.Error()); uerr != nil {
			d.log.Errorf("failed to mark event %s failed: %v", ev.ID, uerr)
		}
	}
}

// Broadcast forwards a realtime update to the bus. Failures are logged only.
func (d *Dispatcher) Broadcast(ctx context.Context, topic string, payload any) {
	if d.bus == nil {
		d.log.Debugf("no realtime bus; dropping %s broadcast", topic)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		d.log.Errorf("failed to encode %s broadcast: %v", topic, err)
		return
	}
	subject := d.opts.SubjectPrefix + "." + topic
	if err := d.bus.Publish(ctx, subject, data); err != nil {
		d.log.Warnf("failed to publish %s: %v", subject, err)
	}
}
