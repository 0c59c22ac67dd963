// Package scheduler runs orchestrations with bounded concurrency, a FIFO
// wait queue, and per-issue deduplication.
package scheduler

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/common/metrics"
)

// Disposition is the outcome of a Submit.
type Disposition string

const (
	// Started means the session was admitted and is running.
	Started Disposition = "started"
	// Queued means the session waits for a free slot, FIFO.
	Queued Disposition = "queued"
	// Duplicate means a session for the issue is already active or queued.
	Duplicate Disposition = "duplicate"
)

// Session is one schedulable orchestration.
type Session struct {
	IssueID string

	// Run executes the orchestration. The scheduler calls it on its own
	// goroutine once a slot is available.
	Run func(ctx context.Context) error

	// OnComplete, when set, is invoked exactly once after Run returns.
	OnComplete func(issueID string, err error)
}

type entry struct {
	session Session
	done    bool
}

// Scheduler owns the active set and the wait queue. Mutations serialize on
// one mutex; reads are point-in-time snapshots.
type Scheduler struct {
	maxConcurrency int
	logger         *logger.Logger

	mu      sync.Mutex
	active  map[string]*entry
	waiting []*entry
	stopped bool

	wg sync.WaitGroup

	runCtx context.Context
}

// New creates a scheduler. maxConcurrency zero means nothing ever starts;
// submissions queue until shutdown.
func New(ctx context.Context, maxConcurrency int, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Scheduler{
		maxConcurrency: maxConcurrency,
		logger:         log.WithFields(zap.String("component", "scheduler")),
		active:         make(map[string]*entry),
		runCtx:         ctx,
	}
}

// Submit admits, queues, or rejects a session. A second session for an
// issue already active or waiting is a Duplicate.
func (s *Scheduler) Submit(session Session) Disposition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Duplicate
	}
	if _, exists := s.active[session.IssueID]; exists {
		return Duplicate
	}
	for _, waiting := range s.waiting {
		if waiting.session.IssueID == session.IssueID {
			return Duplicate
		}
	}

	e := &entry{session: session}
	if len(s.active) < s.maxConcurrency {
		s.start(e)
		return Started
	}

	s.waiting = append(s.waiting, e)
	metrics.QueuedSessions.Set(float64(len(s.waiting)))
	s.logger.Info("queued session",
		zap.String("issue_id", session.IssueID),
		zap.Int("position", len(s.waiting)))
	return Queued
}

// start moves an entry into the active set and launches it. Caller holds s.mu.
func (s *Scheduler) start(e *entry) {
	s.active[e.session.IssueID] = e
	metrics.ActiveSessions.Set(float64(len(s.active)))
	s.logger.Info("started session", zap.String("issue_id", e.session.IssueID))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := e.session.Run(s.runCtx)
		s.finish(e, err)
	}()
}

// finish removes a finished session, fires its callback exactly once, and
// promotes the queue head.
func (s *Scheduler) finish(e *entry, err error) {
	s.mu.Lock()
	delete(s.active, e.session.IssueID)
	metrics.ActiveSessions.Set(float64(len(s.active)))

	fire := !e.done
	e.done = true

	var next *entry
	if !s.stopped && len(s.waiting) > 0 && len(s.active) < s.maxConcurrency {
		next = s.waiting[0]
		s.waiting = s.waiting[1:]
		metrics.QueuedSessions.Set(float64(len(s.waiting)))
		s.start(next)
	}
	s.mu.Unlock()

	if fire && e.session.OnComplete != nil {
		e.session.OnComplete(e.session.IssueID, err)
	}
}

// Counts returns (active, waiting) sizes.
func (s *Scheduler) Counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active), len(s.waiting)
}

// ActiveList returns the issue IDs currently executing.
func (s *Scheduler) ActiveList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// QueuePosition returns the 1-based position of an issue in the wait queue,
// or 0 when it is not queued.
func (s *Scheduler) QueuePosition(issueID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.waiting {
		if e.session.IssueID == issueID {
			return i + 1
		}
	}
	return 0
}

// Shutdown cancels queued sessions (their callbacks fire with context.Canceled)
// and waits for active sessions to drain. Running orchestrations are never
// forcibly cancelled; callers bound the wait with ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	cancelled := s.waiting
	s.waiting = nil
	metrics.QueuedSessions.Set(0)
	s.mu.Unlock()

	for _, e := range cancelled {
		if !e.done && e.session.OnComplete != nil {
			e.done = true
			e.session.OnComplete(e.session.IssueID, context.Canceled)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
