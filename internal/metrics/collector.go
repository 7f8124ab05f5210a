// Package metrics observes join/leave/message/event occurrences and
// maintains session, room, and global counters plus bounded time series
// for dashboards. Every mutation is fire-and-forget from the caller's
// perspective: it never blocks on I/O and never fails visibly.
package metrics

import (
	"context"
	"time"

	"sync"

	"github.com/rs/zerolog"

	"github.com/chatgrid/presence/internal/logging"
)

// Session tracks one (room, user) engagement from connect to disconnect.
// A new connection starts a new session.
type Session struct {
	RoomID       string    `json:"room_id"`
	UserID       string    `json:"user_id"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"` // zero while active
	Messages     int64     `json:"messages"`
	Events       int64     `json:"events"`
	LastActivity time.Time `json:"last_activity"`
}

type sessionKey struct {
	roomID string
	userID string
}

// roomStats aggregates one room's engagement.
type roomStats struct {
	current           int
	peak              int
	total             int64
	messages          int64
	events            int64
	closedSessions    int64
	avgSessionSeconds float64
}

// RoomSnapshot is the read-only view of a room's aggregates.
type RoomSnapshot struct {
	RoomID             string  `json:"room_id"`
	CurrentParticipant int     `json:"current_participants"`
	PeakParticipants   int     `json:"peak_participants"`
	TotalParticipants  int64   `json:"total_participants"`
	Messages           int64   `json:"messages"`
	Events             int64   `json:"events"`
	ClosedSessions     int64   `json:"closed_sessions"`
	AvgSessionSeconds  float64 `json:"avg_session_seconds"`
}

// GlobalSnapshot is the read-only view of process-wide aggregates.
type GlobalSnapshot struct {
	SessionsStarted   int64   `json:"sessions_started"`
	ConcurrentUsers   int     `json:"concurrent_users"`
	PeakUsers         int     `json:"peak_users"`
	Messages          int64   `json:"messages"`
	Events            int64   `json:"events"`
	RateLimitedEvents int64   `json:"rate_limited_events"`
	MessagesPerSecond float64 `json:"messages_per_second"`
	EventsPerSecond   float64 `json:"events_per_second"`
}

// ExportSnapshot bundles everything a monitoring endpoint needs.
type ExportSnapshot struct {
	Global          GlobalSnapshot `json:"global"`
	Rooms           []RoomSnapshot `json:"rooms"`
	ConcurrentUsers []Sample       `json:"concurrent_users_series"`
	MessagesPerMin  []Sample       `json:"messages_per_minute_series"`
	EventsPerMin    []Sample       `json:"events_per_minute_series"`
}

// Config bounds collector memory.
type Config struct {
	SessionRetention time.Duration // ended sessions older than this are purged
	SeriesCapacity   int           // ring buffer length for each time series
	CleanupInterval  time.Duration // cadence of the cleanup/sampling loop
}

// rateWindow is the span of the trailing window used for per-second
// rates.
const rateWindow = time.Minute

// Collector is the metrics sink for the other presence components. It
// never calls back into them.
type Collector struct {
	mu  sync.Mutex
	cfg Config

	active map[sessionKey]*Session
	ended  []*Session
	rooms  map[string]*roomStats

	sessionsStarted int64
	userRefs        map[string]int // userID -> live session count
	peakUsers       int

	totalMessages int64
	totalEvents   int64
	rateLimited   int64

	msgTimes   []time.Time // trailing window for messages/sec
	eventTimes []time.Time

	concurrentSeries *Series
	msgPerMinSeries  *Series
	evtPerMinSeries  *Series
	windowMessages   int64 // messages since last sample tick
	windowEvents     int64

	logger zerolog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector creates a collector. Start launches the cleanup loop.
func NewCollector(cfg Config, logger zerolog.Logger) *Collector {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.SeriesCapacity <= 0 {
		cfg.SeriesCapacity = 360
	}
	return &Collector{
		cfg:              cfg,
		active:           make(map[sessionKey]*Session),
		rooms:            make(map[string]*roomStats),
		userRefs:         make(map[string]int),
		concurrentSeries: NewSeries(cfg.SeriesCapacity),
		msgPerMinSeries:  NewSeries(cfg.SeriesCapacity),
		evtPerMinSeries:  NewSeries(cfg.SeriesCapacity),
		logger:           logger.With().Str("component", "metrics").Logger(),
		now:              time.Now,
	}
}

// ConnectionOpened implements registry.Observer: it starts a session for
// the (room, user) pair. A still-active session for the same pair is
// closed first; a reconnect starts a fresh session.
func (c *Collector) ConnectionOpened(roomID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	key := sessionKey{roomID: roomID, userID: userID}
	if prev, ok := c.active[key]; ok {
		c.closeSessionLocked(key, prev, now)
	}

	c.active[key] = &Session{
		RoomID:       roomID,
		UserID:       userID,
		StartedAt:    now,
		LastActivity: now,
	}
	c.sessionsStarted++

	room := c.roomLocked(roomID)
	room.current++
	room.total++
	if room.current > room.peak {
		room.peak = room.current
	}

	c.userRefs[userID]++
	if len(c.userRefs) > c.peakUsers {
		c.peakUsers = len(c.userRefs)
	}

	promSessionsStarted.Inc()
	promConcurrentUsers.Set(float64(len(c.userRefs)))
}

// ConnectionClosed implements registry.Observer: it ends the pair's
// active session, folding its duration into the room's running average.
func (c *Collector) ConnectionClosed(roomID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := sessionKey{roomID: roomID, userID: userID}
	sess, ok := c.active[key]
	if !ok {
		return
	}
	c.closeSessionLocked(key, sess, c.now())
	promConcurrentUsers.Set(float64(len(c.userRefs)))
}

// closeSessionLocked finalizes sess and updates room and user
// aggregates. Caller holds mu.
func (c *Collector) closeSessionLocked(key sessionKey, sess *Session, endedAt time.Time) {
	sess.EndedAt = endedAt
	delete(c.active, key)
	c.ended = append(c.ended, sess)

	room := c.roomLocked(sess.RoomID)
	if room.current > 0 {
		room.current--
	}
	duration := endedAt.Sub(sess.StartedAt).Seconds()
	// Running weighted mean over all closed sessions for the room.
	room.avgSessionSeconds = (room.avgSessionSeconds*float64(room.closedSessions) + duration) /
		float64(room.closedSessions+1)
	room.closedSessions++

	if c.userRefs[sess.UserID] > 0 {
		c.userRefs[sess.UserID]--
		if c.userRefs[sess.UserID] == 0 {
			delete(c.userRefs, sess.UserID)
		}
	}

	promSessionDuration.Observe(duration)
}

// RecordMessage counts one chat message for the pair's session, its
// room, and the global trailing window.
func (c *Collector) RecordMessage(roomID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if sess, ok := c.active[sessionKey{roomID: roomID, userID: userID}]; ok {
		sess.Messages++
		sess.LastActivity = now
	}
	c.roomLocked(roomID).messages++
	c.totalMessages++
	c.windowMessages++
	c.msgTimes = c.pruneLocked(append(c.msgTimes, now), now)

	promMessages.Inc()
}

// RecordEvent counts one ephemeral event (typing, cursor, presence,
// activity) the same way.
func (c *Collector) RecordEvent(roomID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if sess, ok := c.active[sessionKey{roomID: roomID, userID: userID}]; ok {
		sess.Events++
		sess.LastActivity = now
	}
	c.roomLocked(roomID).events++
	c.totalEvents++
	c.windowEvents++
	c.eventTimes = c.pruneLocked(append(c.eventTimes, now), now)

	promEvents.Inc()
}

// RecordRateLimited counts one event dropped by the rate limiter.
func (c *Collector) RecordRateLimited(roomID, userID string) {
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()

	promRateLimited.Inc()
}

func (c *Collector) roomLocked(roomID string) *roomStats {
	room := c.rooms[roomID]
	if room == nil {
		room = &roomStats{}
		c.rooms[roomID] = room
	}
	return room
}

// pruneLocked drops timestamps older than the trailing rate window.
func (c *Collector) pruneLocked(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rateWindow)
	i := 0
	for ; i < len(times); i++ {
		if times[i].After(cutoff) {
			break
		}
	}
	return times[i:]
}

// GlobalStats returns the process-wide snapshot.
func (c *Collector) GlobalStats() GlobalSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.msgTimes = c.pruneLocked(c.msgTimes, now)
	c.eventTimes = c.pruneLocked(c.eventTimes, now)

	return GlobalSnapshot{
		SessionsStarted:   c.sessionsStarted,
		ConcurrentUsers:   len(c.userRefs),
		PeakUsers:         c.peakUsers,
		Messages:          c.totalMessages,
		Events:            c.totalEvents,
		RateLimitedEvents: c.rateLimited,
		MessagesPerSecond: float64(len(c.msgTimes)) / rateWindow.Seconds(),
		EventsPerSecond:   float64(len(c.eventTimes)) / rateWindow.Seconds(),
	}
}

// ConversationStats returns one room's snapshot. Unknown rooms return a
// zero snapshot.
func (c *Collector) ConversationStats(roomID string) RoomSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.rooms[roomID]
	if room == nil {
		return RoomSnapshot{RoomID: roomID}
	}
	return c.roomSnapshotLocked(roomID, room)
}

func (c *Collector) roomSnapshotLocked(roomID string, room *roomStats) RoomSnapshot {
	return RoomSnapshot{
		RoomID:             roomID,
		CurrentParticipant: room.current,
		PeakParticipants:   room.peak,
		TotalParticipants:  room.total,
		Messages:           room.messages,
		Events:             room.events,
		ClosedSessions:     room.closedSessions,
		AvgSessionSeconds:  room.avgSessionSeconds,
	}
}

// Export returns the full snapshot for the monitoring endpoint.
func (c *Collector) Export() ExportSnapshot {
	global := c.GlobalStats()

	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]RoomSnapshot, 0, len(c.rooms))
	for roomID, room := range c.rooms {
		rooms = append(rooms, c.roomSnapshotLocked(roomID, room))
	}

	return ExportSnapshot{
		Global:          global,
		Rooms:           rooms,
		ConcurrentUsers: c.concurrentSeries.Snapshot(),
		MessagesPerMin:  c.msgPerMinSeries.Snapshot(),
		EventsPerMin:    c.evtPerMinSeries.Snapshot(),
	}
}

// Start launches the cleanup/sampling loop: each tick appends time
// series samples and purges sessions that ended longer than the
// retention window ago.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tick()
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *Collector) tick() {
	defer logging.RecoverPanic(c.logger, "metrics.tick")
	c.Sample()
	purged := c.PurgeExpired()
	if purged > 0 {
		c.logger.Debug().Int("purged", purged).Msg("Purged expired sessions")
	}
}

// Sample appends one point to each time series and resets the
// per-interval message/event window counters.
func (c *Collector) Sample() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.concurrentSeries.Append(now, float64(len(c.userRefs)))
	c.msgPerMinSeries.Append(now, float64(c.windowMessages))
	c.evtPerMinSeries.Append(now, float64(c.windowEvents))
	c.windowMessages = 0
	c.windowEvents = 0
}

// PurgeExpired drops ended sessions older than the retention window and
// returns how many were removed.
func (c *Collector) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.cfg.SessionRetention)
	kept := c.ended[:0]
	purged := 0
	for _, sess := range c.ended {
		if sess.EndedAt.After(cutoff) {
			kept = append(kept, sess)
		} else {
			purged++
		}
	}
	c.ended = kept
	return purged
}

// ActiveSessions returns the number of open sessions.
func (c *Collector) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// EndedSessions returns the number of retained closed sessions.
func (c *Collector) EndedSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ended)
}
