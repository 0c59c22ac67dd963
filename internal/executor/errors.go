package executor

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/romancircus/jinyang/pkg/agentapi"
)

var (
	// ErrTimeout is raised when an execution exceeds its deadline. The
	// session is aborted remotely best-effort first.
	ErrTimeout = errors.New("agent execution timed out")

	// ErrStreamFailure is raised after the reconnection budget is exhausted.
	// Not retryable by the per-call wrapper.
	ErrStreamFailure = errors.New("event stream failed after reconnect attempts")

	// ErrStreamDisconnect marks a single stream break, retried by reconnect.
	ErrStreamDisconnect = errors.New("event stream disconnected")

	// ErrAuth marks an authentication failure. Never retried.
	ErrAuth = errors.New("provider authentication failed")

	// ErrSessionFailed marks a terminal error event from the provider.
	ErrSessionFailed = errors.New("agent session reported error")
)

// IsTransient reports whether an execution error is worth retrying:
// network failures, timeouts, 429/503, and stream disconnects. Auth,
// payload, and semantic errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrSessionFailed) || errors.Is(err, ErrStreamFailure) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrStreamDisconnect) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	switch agentapi.StatusCodeOf(err) {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable,
		http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	case http.StatusUnauthorized, http.StatusForbidden:
		return false
	}
	if code := agentapi.StatusCodeOf(err); code >= 400 && code < 500 {
		return false
	}
	if code := agentapi.StatusCodeOf(err); code >= 500 {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// classify wraps auth-shaped API errors in ErrAuth so retry and fallback
// logic can rely on errors.Is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch agentapi.StatusCodeOf(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.Join(ErrAuth, err)
	}
	return err
}
