package linear

import (
	"sync"
	"time"
)

// budget enforces a sliding one-hour request window plus a reactive
// rate-limited-until stamp set when the API reports 429. The budget is
// process-wide by design: the limit is per API key.
type budget struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time

	rateLimitedUntil time.Time

	now func() time.Time
}

func newBudget(limit int) *budget {
	if limit <= 0 {
		limit = 4500
	}
	return &budget{
		limit:  limit,
		window: time.Hour,
		now:    time.Now,
	}
}

// reserve records one request, or returns a RateLimitError when the window
// is full or a reactive rate limit is in force.
func (b *budget) reserve() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if now.Before(b.rateLimitedUntil) {
		return &RateLimitError{RetryAfter: b.rateLimitedUntil.Sub(now)}
	}

	cutoff := now.Add(-b.window)
	live := b.stamps[:0]
	for _, t := range b.stamps {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	b.stamps = live

	if len(b.stamps) >= b.limit {
		oldest := b.stamps[0]
		return &RateLimitError{RetryAfter: oldest.Add(b.window).Sub(now)}
	}

	b.stamps = append(b.stamps, now)
	return nil
}

// markRateLimited sets the reactive stamp after an API 429.
func (b *budget) markRateLimited(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	b.mu.Lock()
	b.rateLimitedUntil = b.now().Add(retryAfter)
	b.mu.Unlock()
}

// clear resets all budget state. Test hook.
func (b *budget) clear() {
	b.mu.Lock()
	b.stamps = nil
	b.rateLimitedUntil = time.Time{}
	b.mu.Unlock()
}
