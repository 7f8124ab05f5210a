// Package registry owns the set of live connections and delivers
// messages to them with failure containment: a dead peer is removed on
// the first failed send and never aborts a broadcast or surfaces an
// error to the caller.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chatgrid/presence/internal/protocol"
)

// Observer receives connection lifecycle notifications. Calls are made
// outside the registry lock and must not block.
type Observer interface {
	ConnectionOpened(roomID, userID string)
	ConnectionClosed(roomID, userID string)
}

// Registry indexes live connections three ways: by room (ordered), by
// user, and by id. The indices stay mutually consistent under every
// mutation: a connection id appears in all three or in none.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byRoom map[string][]*Connection
	byUser map[string]map[string]struct{} // userID -> set of connection ids

	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates an empty registry. observer may be nil.
func New(logger zerolog.Logger, observer Observer) *Registry {
	return &Registry{
		byID:     make(map[string]*Connection),
		byRoom:   make(map[string][]*Connection),
		byUser:   make(map[string]map[string]struct{}),
		observer: observer,
		logger:   logger.With().Str("component", "registry").Logger(),
		now:      time.Now,
	}
}

// Connect admits a stream bound to (userID, username, roomID), inserts
// it into all indices, and announces user_joined to the rest of the
// room. The returned connection id is process-unique and never reused.
func (r *Registry) Connect(stream Stream, roomID, userID, username string) string {
	conn := &Connection{
		ID:             uuid.NewString(),
		UserID:         userID,
		Username:       username,
		ConversationID: roomID,
		stream:         stream,
		connectedAt:    r.now(),
		lastSeen:       r.now(),
	}

	r.mu.Lock()
	r.byID[conn.ID] = conn
	r.byRoom[roomID] = append(r.byRoom[roomID], conn)
	userConns := r.byUser[userID]
	if userConns == nil {
		userConns = make(map[string]struct{})
		r.byUser[userID] = userConns
	}
	userConns[conn.ID] = struct{}{}
	roomSize := len(r.byRoom[roomID])
	r.mu.Unlock()

	r.logger.Info().
		Str("connection_id", conn.ID).
		Str("user_id", userID).
		Str("conversation_id", roomID).
		Int("room_size", roomSize).
		Msg("Connection admitted")

	if r.observer != nil {
		r.observer.ConnectionOpened(roomID, userID)
	}

	joined := protocol.Marshal(protocol.UserEvent{
		Type:      protocol.TypeUserJoined,
		UserID:    userID,
		Username:  username,
		Timestamp: protocol.Now(),
	})
	r.BroadcastToRoom(roomID, joined, conn.ID)

	return conn.ID
}

// Disconnect removes the connection from all indices, closes its stream,
// and announces user_left to the remaining room members. Disconnecting
// an unknown id is a no-op. The user_left broadcast is issued only after
// removal completes, so a racing broadcast can never deliver to a
// removed connection.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	conn, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeLocked(conn)
	r.mu.Unlock()

	// Already-closed streams are routine here; ignore the error.
	_ = conn.stream.Close()

	r.logger.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Str("conversation_id", conn.ConversationID).
		Dur("connected_for", r.now().Sub(conn.connectedAt)).
		Msg("Connection removed")

	if r.observer != nil {
		r.observer.ConnectionClosed(conn.ConversationID, conn.UserID)
	}

	left := protocol.Marshal(protocol.UserEvent{
		Type:      protocol.TypeUserLeft,
		UserID:    conn.UserID,
		Username:  conn.Username,
		Timestamp: protocol.Now(),
	})
	r.BroadcastToRoom(conn.ConversationID, left, "")
}

// removeLocked deletes conn from all three indices. Caller holds mu.
func (r *Registry) removeLocked(conn *Connection) {
	delete(r.byID, conn.ID)

	roomConns := r.byRoom[conn.ConversationID]
	for i, c := range roomConns {
		if c.ID == conn.ID {
			r.byRoom[conn.ConversationID] = append(roomConns[:i], roomConns[i+1:]...)
			break
		}
	}
	if len(r.byRoom[conn.ConversationID]) == 0 {
		delete(r.byRoom, conn.ConversationID)
	}

	if userConns, ok := r.byUser[conn.UserID]; ok {
		delete(userConns, conn.ID)
		if len(userConns) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
}

// SendToConnection delivers one message. Any transport failure is
// treated as an implicit disconnect: the connection is removed and false
// is returned, never an error.
func (r *Registry) SendToConnection(connID string, message []byte) bool {
	r.mu.RLock()
	conn, ok := r.byID[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := conn.stream.Send(message); err != nil {
		r.logger.Debug().
			Err(err).
			Str("connection_id", connID).
			Msg("Send failed, disconnecting")
		r.Disconnect(connID)
		return false
	}

	r.mu.Lock()
	// Re-check: the connection may have been removed while we sent.
	if c, ok := r.byID[connID]; ok {
		c.lastSeen = r.now()
	}
	r.mu.Unlock()
	return true
}

// BroadcastToRoom delivers message to a snapshot of the room's
// connections taken at call time, excluding excludeID if non-empty.
// Failed recipients are removed mid-broadcast without affecting
// delivery to the rest. Returns the number of successful sends.
func (r *Registry) BroadcastToRoom(roomID string, message []byte, excludeID string) int {
	r.mu.RLock()
	roomConns := r.byRoom[roomID]
	snapshot := make([]string, 0, len(roomConns))
	for _, c := range roomConns {
		if c.ID != excludeID {
			snapshot = append(snapshot, c.ID)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, id := range snapshot {
		if r.SendToConnection(id, message) {
			sent++
		}
	}
	return sent
}

// SendToUser delivers message to every connection the user holds across
// all rooms, with the same snapshot discipline as BroadcastToRoom.
func (r *Registry) SendToUser(userID string, message []byte) int {
	r.mu.RLock()
	snapshot := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		snapshot = append(snapshot, id)
	}
	r.mu.RUnlock()

	sent := 0
	for _, id := range snapshot {
		if r.SendToConnection(id, message) {
			sent++
		}
	}
	return sent
}

// Touch bumps the connection's last_seen timestamp. Used by the
// liveness monitor when a pong arrives.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	if conn, ok := r.byID[connID]; ok {
		conn.lastSeen = r.now()
	}
	r.mu.Unlock()
}

// ConnectionIDs returns a snapshot of all registered connection ids.
func (r *Registry) ConnectionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

// Participants returns identity and timestamps for every connection in
// the room, in admission order.
func (r *Registry) Participants(roomID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomConns := r.byRoom[roomID]
	out := make([]Participant, 0, len(roomConns))
	for _, c := range roomConns {
		out = append(out, Participant{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			Username:     c.Username,
			ConnectedAt:  c.connectedAt,
			LastSeen:     c.lastSeen,
		})
	}
	return out
}

// RoomCount returns the number of connections in the room.
func (r *Registry) RoomCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom[roomID])
}

// IsUserOnline reports whether the user holds any connection.
func (r *Registry) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// IsUserInRoom reports whether the user holds a connection to the room.
func (r *Registry) IsUserInRoom(userID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byRoom[roomID] {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// GetStats returns aggregate connection, room, and user counts.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections: len(r.byID),
		Rooms:       len(r.byRoom),
		Users:       len(r.byUser),
	}
}

// EvictIdle disconnects every connection whose last_seen is older than
// maxIdle and returns the number evicted. This is the liveness monitor's
// fallback sweep.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.RLock()
	stale := make([]string, 0)
	for id, conn := range r.byID {
		if conn.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Warn().Str("connection_id", id).Msg("Evicting idle connection")
		r.Disconnect(id)
	}
	return len(stale)
}

// DisconnectAll removes every connection without per-room user_left
// broadcasts. Used during shutdown.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.byID = make(map[string]*Connection)
	r.byRoom = make(map[string][]*Connection)
	r.byUser = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.stream.Close()
		if r.observer != nil {
			r.observer.ConnectionClosed(c.ConversationID, c.UserID)
		}
	}
}
