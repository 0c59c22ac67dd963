package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/logger"
)

// MemoryEventBus delivers events to in-process subscribers. Handlers run on
// the publisher's goroutine; they are expected to be fast or to hand off.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions []*memorySubscription
	closed        bool
	logger        *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler Handler
	active  bool
	mu      sync.Mutex
}

// NewMemoryEventBus creates an in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{
		logger: log.WithFields(zap.String("component", "event-bus")),
	}
}

// Publish delivers the event to every matching subscriber. Handler errors
// are logged, never propagated to the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	subs := make([]*memorySubscription, len(b.subscriptions))
	copy(subs, b.subscriptions)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active || !sub.pattern.MatchString(subject) {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	pattern, err := compileSubject(subject)
	if err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: pattern,
		handler: handler,
		active:  true,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	b.subscriptions = append(b.subscriptions, sub)
	return sub, nil
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

// Close shuts down the bus and drops all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscriptions = nil
}

// IsConnected always reports true for the in-memory bus until closed.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// compileSubject converts a NATS-style pattern into a regexp: "*" matches
// one token, ">" matches the remainder.
func compileSubject(subject string) (*regexp.Regexp, error) {
	tokens := strings.Split(subject, ".")
	parts := make([]string, 0, len(tokens))
	for i, token := range tokens {
		switch token {
		case "*":
			parts = append(parts, `[^.]+`)
		case ">":
			if i != len(tokens)-1 {
				return nil, fmt.Errorf("invalid subject %q: '>' must be last", subject)
			}
			parts = append(parts, `.+`)
		default:
			parts = append(parts, regexp.QuoteMeta(token))
		}
	}
	return regexp.Compile(`^` + strings.Join(parts, `\.`) + `$`)
}

var _ EventBus = (*MemoryEventBus)(nil)
