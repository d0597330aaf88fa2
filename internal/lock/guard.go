// Package lock provides per-machine exclusive regions that fail fast under contention.
package lock

import (
	"context"
	"sync"
	"time"

	"vacuum-rental-backend/internal/apperr"
	"vacuum-rental-backend/internal/metrics"
)

// Guard hands out one exclusive slot per machine ID. There is no global lock on the
// critical path: the map mutex only guards slot creation.
//
// Slots are created on first use and kept for the life of the process, one small
// channel per machine ID ever locked. That is bounded by the fleet size; a guard keyed
// by unbounded IDs would need eviction of idle slots.
type Guard struct {
	mu    sync.Mutex
	slots map[int64]chan struct{}
	wait  time.Duration
}

// NewGuard creates a guard. wait bounds how long TryAcquire may block; zero fails immediately.
func NewGuard(wait time.Duration) *Guard {
	return &Guard{
		slots: make(map[int64]chan struct{}),
		wait:  wait,
	}
}

func (g *Guard) slot(machineID int64) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[machineID]
	if !ok {
		s = make(chan struct{}, 1)
		g.slots[machineID] = s
	}
	return s
}

// TryAcquire enters the machine's region. The returned release func is safe to call more than once.
func (g *Guard) TryAcquire(ctx context.Context, machineID int64) (func(), error) {
	s := g.slot(machineID)

	select {
	case s <- struct{}{}:
		return releaser(s), nil
	default:
	}

	if g.wait <= 0 {
		metrics.LockContention.Inc()
		return nil, apperr.MachineBusy(machineID)
	}

	timer := time.NewTimer(g.wait)
	defer timer.Stop()

	select {
	case s <- struct{}{}:
		return releaser(s), nil
	case <-timer.C:
		metrics.LockContention.Inc()
		return nil, apperr.MachineBusy(machineID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WithMachine runs fn inside the machine's region.
func (g *Guard) WithMachine(ctx context.Context, machineID int64, fn func() error) error {
	release, err := g.TryAcquire(ctx, machineID)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func releaser(s chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-s })
	}
}
