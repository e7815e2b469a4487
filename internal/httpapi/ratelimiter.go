package httpapi

import (
	"sync"
	"sync/atomic"
	"time"
)

// SlidingWindowLimiter enforces a maximum number of admin-endpoint requests
// within a trailing time window, shared across every handler gated by
// requireAdmin. It keeps one window for all callers: requests are not
// counted per client or per IP, so one busy caller uses up the limit for
// everyone.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events []time.Time

	denied int64
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit requests per window.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if window <= 0 || limit <= 0 {
		return &SlidingWindowLimiter{window: window, limit: limit}
	}
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{
		window: window,
		limit:  limit,
		now:    timeSource,
	}
}

// Allow reports whether the caller may proceed under the current rate
// limits, incrementing the denial counter exposed by Denied on refusal.
func (l *SlidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, ts := range l.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.events = kept
	if len(l.events) >= l.limit {
		atomic.AddInt64(&l.denied, 1)
		return false
	}
	l.events = append(l.events, now)
	return true
}

// Denied reports how many admin requests have been refused by this limiter
// since construction, surfaced through the /metrics endpoint.
func (l *SlidingWindowLimiter) Denied() int64 {
	if l == nil {
		return 0
	}
	return atomic.LoadInt64(&l.denied)
}
