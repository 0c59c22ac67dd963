// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks the number of orchestrations currently executing.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jinyang_active_sessions",
		Help: "Number of agent sessions currently executing.",
	})

	// QueuedSessions tracks the number of sessions waiting for a slot.
	QueuedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jinyang_queued_sessions",
		Help: "Number of agent sessions waiting in the scheduler queue.",
	})

	// SessionsTotal counts terminal session outcomes by result.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jinyang_sessions_total",
		Help: "Terminal session outcomes.",
	}, []string{"result"})

	// BreakerState reports circuit breaker state per provider
	// (0=closed, 1=half-open, 2=open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jinyang_breaker_state",
		Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open).",
	}, []string{"provider"})

	// TrackerRequests counts issue tracker API requests by outcome.
	TrackerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jinyang_tracker_requests_total",
		Help: "Issue tracker API requests by outcome.",
	}, []string{"outcome"})

	// ExecutorAttempts counts agent execution attempts by provider and outcome.
	ExecutorAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jinyang_executor_attempts_total",
		Help: "Agent execution attempts by provider and outcome.",
	}, []string{"provider", "outcome"})
)
