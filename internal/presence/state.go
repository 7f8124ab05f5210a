// Package presence tracks which users are in which room. It is a thin
// bookkeeping layer wrapped by the event throttle; the registry remains
// the source of truth for live connections.
package presence

import (
	"sync"
	"time"
)

// Member is one user's presence in a room.
type Member struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

// Tracker holds room membership.
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Member // roomID -> userID -> member
	now   func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		rooms: make(map[string]map[string]Member),
		now:   time.Now,
	}
}

// Join records the user in the room. Re-joining refreshes the username
// but keeps the original joined-at time.
func (t *Tracker) Join(roomID, userID, username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	if room == nil {
		room = make(map[string]Member)
		t.rooms[roomID] = room
	}
	if existing, ok := room[userID]; ok {
		existing.Username = username
		room[userID] = existing
		return
	}
	room[userID] = Member{UserID: userID, Username: username, JoinedAt: t.now()}
}

// Leave removes the user from the room. Leaving a room the user is not
// in is a no-op.
func (t *Tracker) Leave(roomID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	if room == nil {
		return
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(t.rooms, roomID)
	}
}

// Members returns a copy of the room's membership.
func (t *Tracker) Members(roomID string) []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room := t.rooms[roomID]
	out := make([]Member, 0, len(room))
	for _, m := range room {
		out = append(out, m)
	}
	return out
}

// IsPresent reports whether the user is recorded in the room.
func (t *Tracker) IsPresent(roomID, userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.rooms[roomID][userID]
	return ok
}

// RoomCount returns the number of rooms with at least one member.
func (t *Tracker) RoomCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}
