// Package ratelimit provides an in-memory sliding-window limiter keyed by
// an arbitrary string (usually a client IP).
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows at most max events per key within window.
type Limiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	max    int
	window time.Duration
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
}

// New creates a Limiter and starts its background sweep. Call Stop when the
// limiter is no longer needed.
func New(max int, window time.Duration) *Limiter {
	return newLimiter(max, window, time.Now)
}

func newLimiter(max int, window time.Duration, now func() time.Time) *Limiter {
	l := &Limiter{
		hits:   make(map[string][]time.Time),
		max:    max,
		window: window,
		now:    now,
		stop:   make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Stop ends the background sweep. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, hits := range l.hits {
		kept := prune(hits, cutoff)
		if len(kept) == 0 {
			delete(l.hits, key)
		} else {
			l.hits[key] = kept
		}
	}
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Allow checks the limit for key and, if under it, records an event.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := prune(l.hits[key], now.Add(-l.window))
	if len(kept) >= l.max {
		l.hits[key] = kept
		return false
	}
	l.hits[key] = append(kept, now)
	return true
}

// Check reports whether key is under the limit without recording anything.
func (l *Limiter) Check(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := prune(l.hits[key], now.Add(-l.window))
	l.hits[key] = kept
	return len(kept) < l.max
}

// Record registers an event for key unconditionally.
func (l *Limiter) Record(key string) {
	now := l.now()
	l.mu.Lock()
	l.hits[key] = append(l.hits[key], now)
	l.mu.Unlock()
}
