// Package bus provides event bus abstractions for jinyang. The orchestrator
// publishes session lifecycle events; observers (the websocket gateway)
// subscribe. The in-memory bus is the default; NATS is used when configured.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the orchestrator.
const (
	SubjectSessionStarted   = "jinyang.session.started"
	SubjectSessionQueued    = "jinyang.session.queued"
	SubjectSessionCompleted = "jinyang.session.completed"
	SubjectSessionFailed    = "jinyang.session.failed"
	SubjectProviderBreaker  = "jinyang.provider.breaker"

	// SubjectAll subscribes to every jinyang event.
	SubjectAll = "jinyang.>"
)

// Event is a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh ID and UTC timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus is the publish/subscribe surface.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern. Patterns use
	// NATS syntax: "*" matches one token, ">" the rest.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close shuts down the bus.
	Close()

	// IsConnected reports backend connectivity.
	IsConnected() bool
}
