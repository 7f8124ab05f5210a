package throttle

import (
	"sync"
	"time"
)

// SlidingWindow admits at most limit events per scope key within a
// trailing window. Expired timestamps are purged on every admission
// check, so capacity frees up one slot at a time as the oldest counted
// event falls out of the window.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewSlidingWindow creates a limiter admitting limit events per window
// for each key.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records and admits one event for key, or rejects it if the key
// already has limit events inside the window.
func (l *SlidingWindow) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.allowedLocked(key) {
		return false
	}
	l.hits[key] = append(l.hits[key], l.now())
	return true
}

// Allowed reports whether key has capacity without recording an event.
// Pair with Record when admission depends on more than one scope.
func (l *SlidingWindow) Allowed(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowedLocked(key)
}

// Record counts one event for key unconditionally.
func (l *SlidingWindow) Record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits[key] = append(l.hits[key], l.now())
}

// allowedLocked purges expired timestamps for key and reports capacity.
func (l *SlidingWindow) allowedLocked(key string) bool {
	cutoff := l.now().Add(-l.window)

	hits := l.hits[key]
	live := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	l.hits[key] = live

	return len(live) < l.limit
}

// Cleanup drops keys whose every timestamp has expired. Called
// periodically to bound memory for scopes that went quiet.
func (l *SlidingWindow) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, hits := range l.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.hits, key)
		}
	}
}

// TrackedKeys returns the number of scope keys currently held.
func (l *SlidingWindow) TrackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}
