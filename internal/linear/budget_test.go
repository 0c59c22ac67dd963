package linear

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetAllowsUpToLimit(t *testing.T) {
	b := newBudget(3)
	now := time.Now()
	b.now = func() time.Time { return now }

	require.NoError(t, b.reserve())
	require.NoError(t, b.reserve())
	require.NoError(t, b.reserve())

	err := b.reserve()
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

func TestBudgetSlidingWindowExpiry(t *testing.T) {
	b := newBudget(2)
	now := time.Now()
	b.now = func() time.Time { return now }

	require.NoError(t, b.reserve())
	require.NoError(t, b.reserve())
	require.Error(t, b.reserve())

	// After the window slides past the first stamps, capacity returns.
	now = now.Add(61 * time.Minute)
	require.NoError(t, b.reserve())
}

func TestReactiveRateLimit(t *testing.T) {
	b := newBudget(100)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.markRateLimited(2 * time.Minute)
	err := b.reserve()
	require.Error(t, err)

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.InDelta(t, (2 * time.Minute).Seconds(), rl.RetryAfter.Seconds(), 1)

	now = now.Add(3 * time.Minute)
	require.NoError(t, b.reserve())
}

func TestBudgetClear(t *testing.T) {
	b := newBudget(1)
	require.NoError(t, b.reserve())
	require.Error(t, b.reserve())

	b.clear()
	require.NoError(t, b.reserve())
}
