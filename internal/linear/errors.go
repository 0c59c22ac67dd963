package linear

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuth is returned on 401/403 responses. Not retryable.
	ErrAuth = errors.New("tracker authentication failed")

	// ErrNotFound is returned when the issue or entity does not exist.
	ErrNotFound = errors.New("tracker entity not found")

	// ErrServer is returned on 5xx responses. Retryable.
	ErrServer = errors.New("tracker server error")

	// ErrNetwork is returned on transport failures. Retryable.
	ErrNetwork = errors.New("tracker network error")
)

// RateLimitError is returned when the request budget is exhausted or the API
// reported 429. It is never retried locally; callers back off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("tracker rate limited, retry after %s", e.RetryAfter)
}

// IsRateLimited reports whether err is a rate-limit failure.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// isTransient reports whether a request error is worth retrying.
func isTransient(err error) bool {
	return errors.Is(err, ErrServer) || errors.Is(err, ErrNetwork)
}
