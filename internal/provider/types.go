// Package provider routes executions to agent providers, mediating circuit
// breaker state and health snapshots.
package provider

import (
	"context"
	"time"
)

// HealthStatus is the result of a provider liveness probe.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthChecker is the probe surface an executor exposes to the health daemon.
type HealthChecker interface {
	HealthCheck(ctx context.Context) HealthStatus
}

// RecordResult is the narrow breaker-feedback interface injected into
// executors; they must never hold a full router reference.
type RecordResult interface {
	RecordSuccess(providerID string)
	RecordFailure(providerID string)
}
