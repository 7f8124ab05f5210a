// Package throttle sits in front of the registry's broadcast path. It
// applies two policies to ephemeral events: sliding-window rate limits
// per user and per room (hard drops), and trailing-edge coalescing per
// (kind, room, user) key (bursts collapse to one broadcast per interval
// carrying the newest payload). Ephemeral events are best-effort and
// intentionally droppable; a rejected sender is not notified.
package throttle

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatgrid/presence/internal/presence"
	"github.com/chatgrid/presence/internal/protocol"
)

// Event kinds, each with its own minimum inter-broadcast interval.
const (
	KindPresence = "presence"
	KindTyping   = "typing"
	KindCursor   = "cursor"
	KindActivity = "activity"
)

// Broadcaster is the slice of the registry the throttle delivers
// through. Partial delivery failures are absorbed inside the registry;
// the throttle only sees the aggregate sent count.
type Broadcaster interface {
	BroadcastToRoom(roomID string, message []byte, excludeID string) int
}

// Observer receives event accounting callbacks. Calls must not block.
type Observer interface {
	RecordEvent(roomID, userID string)
	RecordRateLimited(roomID, userID string)
}

// Config holds rate limits and per-kind coalescing intervals.
type Config struct {
	UserLimit int           // events per user per window
	RoomLimit int           // events per room per window
	Window    time.Duration // sliding window span

	PresenceInterval time.Duration
	TypingInterval   time.Duration
	CursorInterval   time.Duration
	ActivityInterval time.Duration
}

// DefaultConfig mirrors the production defaults: 10/min per user,
// 100/min per room, 50ms presence and cursor, 100ms typing, 1s activity.
func DefaultConfig() Config {
	return Config{
		UserLimit:        10,
		RoomLimit:        100,
		Window:           time.Minute,
		PresenceInterval: 50 * time.Millisecond,
		TypingInterval:   100 * time.Millisecond,
		CursorInterval:   50 * time.Millisecond,
		ActivityInterval: time.Second,
	}
}

// Throttle is the admission gate for ephemeral room events.
type Throttle struct {
	cfg         Config
	broadcaster Broadcaster
	tracker     *presence.Tracker
	observer    Observer
	logger      zerolog.Logger

	limiterMu   sync.Mutex // orders check-then-record across both scopes
	userLimiter *SlidingWindow
	roomLimiter *SlidingWindow
	coalescer   *Coalescer

	rateLimited int64 // atomic counter of dropped events
}

// New creates a throttle delivering through broadcaster. tracker and
// observer may be nil.
func New(cfg Config, broadcaster Broadcaster, tracker *presence.Tracker, observer Observer, logger zerolog.Logger) *Throttle {
	t := &Throttle{
		cfg:         cfg,
		broadcaster: broadcaster,
		tracker:     tracker,
		observer:    observer,
		logger:      logger.With().Str("component", "throttle").Logger(),
		userLimiter: NewSlidingWindow(cfg.UserLimit, cfg.Window),
		roomLimiter: NewSlidingWindow(cfg.RoomLimit, cfg.Window),
	}
	t.coalescer = NewCoalescer(t.deliver)
	return t
}

// UserJoined records presence and announces a coalesced joined update.
func (t *Throttle) UserJoined(roomID, userID, username string) {
	if t.tracker != nil {
		t.tracker.Join(roomID, userID, username)
	}
	payload := protocol.Marshal(protocol.PresenceUpdate{
		Type:           protocol.TypePresenceUpdate,
		UserID:         userID,
		Username:       username,
		Action:         protocol.ActionJoined,
		ConversationID: roomID,
		Timestamp:      protocol.Now(),
	})
	t.dispatch(KindPresence, roomID, userID, t.cfg.PresenceInterval, payload)
}

// UserLeft records departure and announces a coalesced left update.
func (t *Throttle) UserLeft(roomID, userID, username string) {
	if t.tracker != nil {
		t.tracker.Leave(roomID, userID)
	}
	payload := protocol.Marshal(protocol.PresenceUpdate{
		Type:           protocol.TypePresenceUpdate,
		UserID:         userID,
		Username:       username,
		Action:         protocol.ActionLeft,
		ConversationID: roomID,
		Timestamp:      protocol.Now(),
	})
	t.dispatch(KindPresence, roomID, userID, t.cfg.PresenceInterval, payload)
}

// BroadcastTypingIndicator announces typing start/stop for a user.
func (t *Throttle) BroadcastTypingIndicator(roomID, userID, username string, isTyping bool) {
	payload := protocol.Marshal(protocol.TypingIndicator{
		Type:           protocol.TypeTypingIndicator,
		UserID:         userID,
		Username:       username,
		IsTyping:       isTyping,
		ConversationID: roomID,
		Timestamp:      protocol.Now(),
	})
	t.dispatch(KindTyping, roomID, userID, t.cfg.TypingInterval, payload)
}

// BroadcastCursorPosition announces a cursor move for a user.
func (t *Throttle) BroadcastCursorPosition(roomID, userID, username string, position json.RawMessage) {
	payload := protocol.Marshal(protocol.CursorPosition{
		Type:           protocol.TypeCursorPosition,
		UserID:         userID,
		Username:       username,
		Position:       position,
		ConversationID: roomID,
		Timestamp:      protocol.Now(),
	})
	t.dispatch(KindCursor, roomID, userID, t.cfg.CursorInterval, payload)
}

// BroadcastActivity announces a generic low-frequency activity event.
func (t *Throttle) BroadcastActivity(roomID, userID, username string, activity json.RawMessage) {
	payload := protocol.Marshal(protocol.Activity{
		Type:           protocol.TypeActivity,
		UserID:         userID,
		Username:       username,
		Payload:        activity,
		ConversationID: roomID,
		Timestamp:      protocol.Now(),
	})
	t.dispatch(KindActivity, roomID, userID, t.cfg.ActivityInterval, payload)
}

// dispatch applies rate limiting then coalescing. A rate-limited event
// is dropped entirely: not queued, not retried, sender not notified.
// Both scopes are checked before either records the event, so a
// saturated room does not burn user quota (and vice versa).
func (t *Throttle) dispatch(kind, roomID, userID string, interval time.Duration, payload []byte) {
	userKey, roomKey := "user:"+userID, "room:"+roomID

	t.limiterMu.Lock()
	allowed := t.userLimiter.Allowed(userKey) && t.roomLimiter.Allowed(roomKey)
	if allowed {
		t.userLimiter.Record(userKey)
		t.roomLimiter.Record(roomKey)
	}
	t.limiterMu.Unlock()

	if !allowed {
		atomic.AddInt64(&t.rateLimited, 1)
		if t.observer != nil {
			t.observer.RecordRateLimited(roomID, userID)
		}
		t.logger.Debug().
			Str("kind", kind).
			Str("conversation_id", roomID).
			Str("user_id", userID).
			Msg("Event rate limited")
		return
	}

	if t.observer != nil {
		t.observer.RecordEvent(roomID, userID)
	}
	t.coalescer.Offer(Key{Kind: kind, RoomID: roomID, UserID: userID}, interval, payload)
}

// deliver is the coalescer's fire callback.
func (t *Throttle) deliver(key Key, payload []byte) {
	start := time.Now()
	sent := t.broadcaster.BroadcastToRoom(key.RoomID, payload, "")
	t.logger.Debug().
		Str("kind", key.Kind).
		Str("conversation_id", key.RoomID).
		Str("user_id", key.UserID).
		Int("sent", sent).
		Dur("elapsed", time.Since(start)).
		Msg("Coalesced broadcast delivered")
}

// RateLimitedCount returns the total number of events dropped by the
// rate limiter.
func (t *Throttle) RateLimitedCount() int64 {
	return atomic.LoadInt64(&t.rateLimited)
}

// Cleanup drops expired limiter and coalescer state. Call periodically.
func (t *Throttle) Cleanup() {
	t.userLimiter.Cleanup()
	t.roomLimiter.Cleanup()
	t.coalescer.Cleanup(t.maxInterval())
}

// maxInterval is the largest configured coalescing interval; broadcast
// state older than this carries no suppression information.
func (t *Throttle) maxInterval() time.Duration {
	max := t.cfg.PresenceInterval
	for _, d := range []time.Duration{t.cfg.TypingInterval, t.cfg.CursorInterval, t.cfg.ActivityInterval} {
		if d > max {
			max = d
		}
	}
	return max
}

// Stop cancels all pending trailing fires without broadcasting.
func (t *Throttle) Stop() {
	t.coalescer.Stop()
}
