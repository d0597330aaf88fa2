// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MachineTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vacuum",
		Name:      "machine_transitions_total",
		Help:      "Applied machine status transitions.",
	}, []string{"from", "to"})

	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vacuum",
		Name:      "sessions_created_total",
		Help:      "Sessions admitted, by settlement kind.",
	}, []string{"settlement"})

	SessionsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vacuum",
		Name:      "sessions_terminated_total",
		Help:      "Sessions completed, by termination cause.",
	}, []string{"cause"})

	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vacuum",
		Name:      "machine_lock_contention_total",
		Help:      "Lock acquisitions rejected because the machine was busy.",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vacuum",
		Name:      "notifications_total",
		Help:      "Notification deliveries, by outcome.",
	}, []string{"outcome"})

	RateLimitedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vacuum",
		Name:      "notifications_rate_limited_total",
		Help:      "Events suppressed by the per-machine alert rate limit.",
	}, []string{"type"})
)
