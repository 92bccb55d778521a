// Package ratelimit bounds how often one partner token may be used within a
// fixed window. Counters are incremented atomically so concurrent requests
// with the same token never lose an update.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the limiter's answer for one use of a key.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the whole seconds until the window resets, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		return 1
	}
	return secs
}

// decide builds the decision for the count-th use of a window ending at resetAt.
func decide(count, limit int, resetAt time.Time) Decision {
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// window is one key's counter.
type window struct {
	uses    int
	expires time.Time
}

// InMemoryLimiter counts uses per process.
type InMemoryLimiter struct {
	mu      sync.Mutex
	length  time.Duration
	now     func() time.Time
	windows map[string]window
}

func NewInMemory(length time.Duration, now func() time.Time) *InMemoryLimiter {
	if length <= 0 {
		length = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &InMemoryLimiter{
		length:  length,
		now:     now,
		windows: make(map[string]window),
	}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) Decision {
	limit = max(limit, 1)
	now := l.now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(now)
	w := l.windows[key]
	if !now.Before(w.expires) {
		w = window{expires: now.Add(l.length)}
	}
	w.uses++
	l.windows[key] = w
	return decide(w.uses, limit, w.expires)
}

// evict drops expired windows. Callers hold mu.
func (l *InMemoryLimiter) evict(now time.Time) {
	for k, w := range l.windows {
		if !now.Before(w.expires) {
			delete(l.windows, k)
		}
	}
}
