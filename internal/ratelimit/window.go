package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a sliding-window request limiter for auxiliary service calls.
// It admits at most limit calls per window; once the budget is spent it
// rejects and reports how long until a slot frees.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   []time.Time

	now func() time.Time
}

// New returns a limiter admitting limit calls per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow consumes one slot if available. When the window is exhausted it
// returns false plus a retry-after hint: the time until the oldest call
// slides out of the window.
func (l *Limiter) Allow() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.hits[:0]
	for _, t := range l.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.hits = kept

	if len(l.hits) >= l.limit {
		retryAfter := l.hits[0].Sub(cutoff)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	l.hits = append(l.hits, now)
	return true, 0
}

// InFlight reports how many calls currently count against the window.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	n := 0
	for _, t := range l.hits {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
