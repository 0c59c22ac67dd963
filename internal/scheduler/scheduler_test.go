package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romancircus/jinyang/internal/common/logger"
)

// blockingSession returns a session that blocks until released, and signals
// when it starts running.
func blockingSession(issueID string, started chan<- string, release <-chan struct{}) Session {
	return Session{
		IssueID: issueID,
		Run: func(ctx context.Context) error {
			started <- issueID
			<-release
			return nil
		},
	}
}

func TestSubmitStartsUpToCapacity(t *testing.T) {
	s := New(context.Background(), 2, logger.Default())
	started := make(chan string, 3)
	release := make(chan struct{})
	defer close(release)

	require.Equal(t, Started, s.Submit(blockingSession("A-1", started, release)))
	require.Equal(t, Started, s.Submit(blockingSession("A-2", started, release)))
	require.Equal(t, Queued, s.Submit(blockingSession("A-3", started, release)))

	<-started
	<-started
	active, waiting := s.Counts()
	assert.Equal(t, 2, active)
	assert.Equal(t, 1, waiting)
	assert.Equal(t, 1, s.QueuePosition("A-3"))
}

func TestDuplicateDetection(t *testing.T) {
	s := New(context.Background(), 1, logger.Default())
	started := make(chan string, 2)
	release := make(chan struct{})
	defer close(release)

	require.Equal(t, Started, s.Submit(blockingSession("A-1", started, release)))
	<-started
	assert.Equal(t, Duplicate, s.Submit(blockingSession("A-1", started, release)))

	// Duplicates are also detected against the wait queue.
	require.Equal(t, Queued, s.Submit(blockingSession("A-2", started, release)))
	assert.Equal(t, Duplicate, s.Submit(blockingSession("A-2", started, release)))
}

func TestFIFOPromotion(t *testing.T) {
	s := New(context.Background(), 1, logger.Default())
	started := make(chan string, 4)
	release := make(chan struct{}, 4)

	require.Equal(t, Started, s.Submit(blockingSession("A-1", started, release)))
	require.Equal(t, Queued, s.Submit(blockingSession("A-2", started, release)))
	require.Equal(t, Queued, s.Submit(blockingSession("A-3", started, release)))

	assert.Equal(t, "A-1", <-started)
	release <- struct{}{}
	assert.Equal(t, "A-2", <-started)
	release <- struct{}{}
	assert.Equal(t, "A-3", <-started)
	release <- struct{}{}
}

func TestZeroConcurrencyQueuesForever(t *testing.T) {
	s := New(context.Background(), 0, logger.Default())
	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)

	require.Equal(t, Queued, s.Submit(blockingSession("A-1", started, release)))

	select {
	case id := <-started:
		t.Fatalf("session %s started with zero concurrency", id)
	case <-time.After(100 * time.Millisecond):
	}
	active, waiting := s.Counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, waiting)
}

func TestCompletionCallbackFiresExactlyOnce(t *testing.T) {
	s := New(context.Background(), 1, logger.Default())

	var calls atomic.Int32
	done := make(chan struct{})
	s.Submit(Session{
		IssueID: "A-1",
		Run:     func(ctx context.Context) error { return nil },
		OnComplete: func(issueID string, err error) {
			calls.Add(1)
			close(done)
		},
	})

	<-done
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConcurrencyBoundHolds(t *testing.T) {
	s := New(context.Background(), 4, logger.Default())

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(20)

	for i := 0; i < 20; i++ {
		id := string(rune('A'+i)) + "-1"
		s.Submit(Session{
			IssueID: id,
			Run: func(ctx context.Context) error {
				value := current.Add(1)
				for {
					observed := peak.Load()
					if value <= observed || peak.CompareAndSwap(observed, value) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				current.Add(-1)
				return nil
			},
			OnComplete: func(string, error) { wg.Done() },
		})
	}

	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(4))
}

func TestShutdownCancelsQueued(t *testing.T) {
	s := New(context.Background(), 1, logger.Default())
	started := make(chan string, 1)
	release := make(chan struct{})

	var queuedErr error
	done := make(chan struct{})
	s.Submit(blockingSession("A-1", started, release))
	<-started
	s.Submit(Session{
		IssueID: "A-2",
		Run:     func(ctx context.Context) error { return nil },
		OnComplete: func(_ string, err error) {
			queuedErr = err
			close(done)
		},
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	<-done
	assert.ErrorIs(t, queuedErr, context.Canceled)
}
