// Package orchestrator composes the per-issue pipeline: route, schedule,
// create a worktree, execute an agent with provider fallback, verify the
// result, push, report, clean up.
package orchestrator

import "errors"

var (
	// ErrNoRepository means routing produced no repository for the issue.
	ErrNoRepository = errors.New("no repository matched the issue")

	// ErrProcessingFailed wraps unrecoverable pipeline failures.
	ErrProcessingFailed = errors.New("issue processing failed")

	// ErrRetryExhausted means a provider's retry budget ran out.
	ErrRetryExhausted = errors.New("provider retries exhausted")

	// ErrFallbackFailed means every enabled provider failed.
	ErrFallbackFailed = errors.New("all providers failed")
)
