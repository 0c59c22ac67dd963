package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Now()
	b := New("p1", Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 2,
	})
	b.now = func() time.Time { return now }
	return b, &now
}

var errBoom = errors.New("boom")

func fail(b *Breaker) error {
	return b.Execute(func() error { return errBoom })
}

func succeed(b *Breaker) error {
	return b.Execute(func() error { return nil })
}

func TestClosedPassesThroughAndCountsFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	err := fail(b)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, Closed, b.State())

	// A success resets the consecutive failure count.
	require.NoError(t, succeed(b))
	for i := 0; i < 4; i++ {
		require.ErrorIs(t, fail(b), errBoom)
	}
	assert.Equal(t, Closed, b.State())
}

func TestOpensAfterThresholdAndRejectsWithoutInvoking(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, fail(b), errBoom)
	}
	require.Equal(t, Open, b.State())

	invoked := false
	err := b.Execute(func() error { invoked = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestHalfOpenAfterResetTimeout(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		_ = fail(b)
	}
	require.Equal(t, Open, b.State())

	*now = now.Add(61 * time.Second)
	assert.Equal(t, HalfOpen, b.State())
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		_ = fail(b)
	}
	*now = now.Add(61 * time.Second)

	require.NoError(t, succeed(b))
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		_ = fail(b)
	}
	*now = now.Add(61 * time.Second)

	require.ErrorIs(t, fail(b), errBoom)
	assert.Equal(t, Open, b.State())

	// The reopened breaker stays open for a fresh reset window.
	*now = now.Add(30 * time.Second)
	assert.Equal(t, Open, b.State())
	*now = now.Add(31 * time.Second)
	assert.Equal(t, HalfOpen, b.State())
}

func TestHalfOpenAdmissionBounded(t *testing.T) {
	b, now := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		_ = fail(b)
	}
	*now = now.Add(61 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(func() error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	// Both half-open slots are in flight; a third call is rejected.
	err := b.Execute(func() error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	wg.Wait()
	assert.Equal(t, Closed, b.State())
}

func TestConcurrentClosedExecutions(t *testing.T) {
	b, _ := newTestBreaker(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = succeed(b)
		}()
	}
	wg.Wait()
	assert.Equal(t, Closed, b.State())
}

func TestSnapshotReportsState(t *testing.T) {
	b, _ := newTestBreaker(t)
	_ = fail(b)

	snap := b.Snapshot()
	assert.Equal(t, "p1", snap.ProviderID)
	assert.Equal(t, "closed", snap.State)
	assert.Equal(t, 1, snap.Failures)
	assert.False(t, snap.LastFailureAt.IsZero())
}
