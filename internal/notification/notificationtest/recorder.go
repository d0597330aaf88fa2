// Package notificationtest provides an in-memory notifier for tests.
package notificationtest

import (
	"context"
	"sync"

	"vacuum-rental-backend/internal/notification"
)

// Broadcast is one recorded realtime update.
type Broadcast struct {
	Topic   string
	Payload any
}

// Recorder records emitted events and broadcasts.
type Recorder struct {
	mu         sync.Mutex
	events     []notification.Event
	broadcasts []Broadcast
}

func (r *Recorder) Emit(ctx context.Context, ev notification.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Broadcast(ctx context.Context, topic string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, Broadcast{Topic: topic, Payload: payload})
}

// Events returns the recorded events, optionally filtered by type.
func (r *Recorder) Events(types ...string) []notification.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notification.Event
	for _, ev := range r.events {
		if len(types) == 0 || contains(types, ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// Broadcasts returns the recorded broadcasts for topic.
func (r *Recorder) Broadcasts(topic string) []Broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Broadcast
	for _, b := range r.broadcasts {
		if b.Topic == topic {
			out = append(out, b)
		}
	}
	return out
}

// Reset clears everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.broadcasts = nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
