// Package breaker implements a per-provider circuit breaker.
//
// State diagram:
//
//	CLOSED ──[failure threshold]──► OPEN
//	   ▲                              │
//	   │                        [reset timeout]
//	   └───[success]◄── HALF_OPEN ◄──┘
//	                    [failure]──► OPEN
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/romancircus/jinyang/internal/common/metrics"
)

// State is the breaker state.
type State int

const (
	// Closed is the normal operating state; calls execute.
	Closed State = iota
	// HalfOpen admits a bounded number of probe calls.
	HalfOpen
	// Open rejects all calls without executing.
	Open
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected without executing.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config controls breaker behavior.
type Config struct {
	// FailureThreshold is consecutive failures before opening. Default 5.
	FailureThreshold int
	// ResetTimeout is how long to stay open before half-open. Default 60s.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent probes in half-open. Default 2.
	HalfOpenMaxCalls int
}

// DefaultConfig returns the standard breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 2
	}
}

// Breaker tracks failures for one provider.
type Breaker struct {
	providerID string
	config     Config

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	lastFailureAt    time.Time
	lastSuccessAt    time.Time
	openedAt         time.Time
	halfOpenInFlight int

	now func() time.Time
}

// New creates a breaker in the closed state.
func New(providerID string, config Config) *Breaker {
	config.applyDefaults()
	b := &Breaker{
		providerID: providerID,
		config:     config,
		state:      Closed,
		now:        time.Now,
	}
	b.publishState()
	return b
}

// State returns the current state, applying the open→half-open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Snapshot describes the breaker for status surfaces.
type Snapshot struct {
	ProviderID    string    `json:"provider_id"`
	State         string    `json:"state"`
	Failures      int       `json:"failures"`
	Successes     int       `json:"successes"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return Snapshot{
		ProviderID:    b.providerID,
		State:         b.state.String(),
		Failures:      b.failures,
		Successes:     b.successes,
		LastFailureAt: b.lastFailureAt,
		LastSuccessAt: b.lastSuccessAt,
		OpenedAt:      b.openedAt,
	}
}

// Execute runs fn under the breaker. The inner error surfaces unchanged on
// failure; rejected calls fail with ErrCircuitOpen without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.settle(err == nil)
	return err
}

// Allow reports whether a call would currently be admitted. Unlike Execute
// it does not reserve a half-open slot.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return b.halfOpenInFlight < b.config.HalfOpenMaxCalls
	default:
		return false
	}
}

// RecordSuccess drives the breaker for calls executed outside Execute.
func (b *Breaker) RecordSuccess() {
	b.settle(true)
}

// RecordFailure drives the breaker for calls executed outside Execute.
func (b *Breaker) RecordFailure() {
	b.settle(false)
}

// admit gates a call and reserves a half-open slot when applicable.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case Closed:
		return nil
	case HalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		b.halfOpenInFlight++
		return nil
	default:
		return ErrCircuitOpen
	}
}

// settle applies a call outcome.
func (b *Breaker) settle(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case Closed:
		if ok {
			b.failures = 0
			b.successes++
			b.lastSuccessAt = b.now()
			return
		}
		b.failures++
		b.lastFailureAt = b.now()
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(Open)
		}
	case HalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if ok {
			b.lastSuccessAt = b.now()
			b.transitionTo(Closed)
			return
		}
		b.lastFailureAt = b.now()
		b.transitionTo(Open)
	case Open:
		// A straggler finishing after the breaker opened; counters were
		// already reset on transition.
		if ok {
			b.lastSuccessAt = b.now()
		} else {
			b.lastFailureAt = b.now()
		}
	}
}

// maybeHalfOpen transitions Open → HalfOpen once the reset timeout elapses.
// Caller holds b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.config.ResetTimeout {
		b.transitionTo(HalfOpen)
	}
}

// transitionTo changes state and resets counters. Caller holds b.mu.
func (b *Breaker) transitionTo(next State) {
	b.state = next
	b.failures = 0
	b.successes = 0
	b.halfOpenInFlight = 0
	if next == Open {
		b.openedAt = b.now()
	}
	b.publishState()
}

func (b *Breaker) publishState() {
	metrics.BreakerState.WithLabelValues(b.providerID).Set(float64(b.state))
}
