// Package executor drives single agent sessions against a provider: prompt,
// event collection, parsing, and bounded retry. Variants share the small
// AgentExecutor interface instead of a type hierarchy.
package executor

import (
	"context"
	"time"

	"github.com/romancircus/jinyang/internal/provider"
)

// AgentExecutor is the capability set every provider variant implements.
type AgentExecutor interface {
	// Execute runs one agent session in the configured worktree.
	Execute(ctx context.Context, cfg ExecutionConfig) (*ExecutionResult, error)

	// HealthCheck is a cheap liveness probe.
	HealthCheck(ctx context.Context) provider.HealthStatus

	// Metadata describes the executor variant.
	Metadata() Metadata
}

// Metadata identifies an executor variant.
type Metadata struct {
	ProviderName string
	ProviderType string
	Transport    string // "event-stream" or "request-response"
}

// ExecutionConfig parameterizes one execution.
type ExecutionConfig struct {
	IssueID      string
	Prompt       string
	WorktreePath string

	// Model overrides the provider default when non-empty.
	Model string

	// Timeout bounds the whole execution. Zero means the 300s default.
	Timeout time.Duration

	// MaxReconnect bounds SSE reconnection attempts. Zero means 3.
	MaxReconnect int

	// MaxAttempts bounds the per-call retry wrapper. Zero means 3.
	MaxAttempts int

	// StatusPollInterval and StatusPollWarmup configure the fallback
	// status poll that covers missed terminal events.
	StatusPollInterval time.Duration
	StatusPollWarmup   time.Duration
}

func (c *ExecutionConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.MaxReconnect <= 0 {
		c.MaxReconnect = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.StatusPollInterval <= 0 {
		c.StatusPollInterval = 10 * time.Second
	}
	if c.StatusPollWarmup <= 0 {
		c.StatusPollWarmup = 15 * time.Second
	}
}

// GitCommit is a commit the agent reported creating.
type GitCommit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	IssueID string `json:"issue_id,omitempty"`
}

// ExecutionResult is the outcome of one agent execution.
type ExecutionResult struct {
	Success    bool          `json:"success"`
	Files      []string      `json:"files,omitempty"`
	GitCommits []GitCommit   `json:"git_commits,omitempty"`
	Output     string        `json:"output,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}
