package throttle

import (
	"sync"
	"time"
)

// Key scopes coalescing state: two users' cursor updates in the same
// room throttle independently.
type Key struct {
	Kind   string
	RoomID string
	UserID string
}

// pendingFire is a suppressed broadcast awaiting its trailing fire. gen
// guards against a stale timer racing a reschedule: only the timer
// carrying the current generation may fire.
type pendingFire struct {
	payload []byte
	timer   *time.Timer
	gen     uint64
}

// Coalescer collapses bursts of same-key events into one trailing
// broadcast per minimum interval, always carrying the most recent
// payload. At most one delayed fire is outstanding per key.
type Coalescer struct {
	mu       sync.Mutex
	lastFire map[Key]time.Time
	pending  map[Key]*pendingFire
	fire     func(key Key, payload []byte)
	now      func() time.Time
	stopped  bool
}

// NewCoalescer creates a coalescer delivering due payloads through fire.
// fire is invoked outside the coalescer lock and may call back into
// Offer.
func NewCoalescer(fire func(key Key, payload []byte)) *Coalescer {
	return &Coalescer{
		lastFire: make(map[Key]time.Time),
		pending:  make(map[Key]*pendingFire),
		fire:     fire,
		now:      time.Now,
	}
}

// Offer submits the newest payload for key. If at least interval has
// passed since the key's last broadcast it fires immediately; otherwise
// the payload replaces any pending one and a single trailing fire is
// (re)scheduled for last_broadcast_at + interval, cancelling the prior
// timer first.
func (c *Coalescer) Offer(key Key, interval time.Duration, payload []byte) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	now := c.now()
	last, seen := c.lastFire[key]
	if !seen || now.Sub(last) >= interval {
		c.lastFire[key] = now
		c.mu.Unlock()
		c.fire(key, payload)
		return
	}

	delay := last.Add(interval).Sub(now)
	p := c.pending[key]
	if p == nil {
		p = &pendingFire{}
		c.pending[key] = p
	} else {
		p.timer.Stop()
	}
	p.payload = payload
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(delay, func() {
		c.fireScheduled(key, gen)
	})
	c.mu.Unlock()
}

// fireScheduled executes a trailing fire if it has not been superseded
// or cancelled in the meantime.
func (c *Coalescer) fireScheduled(key Key, gen uint64) {
	c.mu.Lock()
	p := c.pending[key]
	if p == nil || p.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.lastFire[key] = c.now()
	payload := p.payload
	c.mu.Unlock()

	c.fire(key, payload)
}

// Cleanup drops last-broadcast entries older than maxAge. A key with a
// pending trailing fire is kept; everything else is safe to forget,
// since a key whose interval has long passed would fire immediately
// anyway. Call periodically to keep the map bounded by recent activity.
func (c *Coalescer) Cleanup(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-maxAge)
	removed := 0
	for key, last := range c.lastFire {
		if last.Before(cutoff) {
			if _, busy := c.pending[key]; busy {
				continue
			}
			delete(c.lastFire, key)
			removed++
		}
	}
	return removed
}

// TrackedKeys returns the number of keys with recorded broadcast state.
func (c *Coalescer) TrackedKeys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lastFire)
}

// PendingCount returns the number of keys with a suppressed broadcast.
func (c *Coalescer) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop cancels every outstanding trailing fire without broadcasting.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for key, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, key)
	}
}
