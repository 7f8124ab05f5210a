package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/chatgrid/presence/internal/metrics"
)

// handleWebSocket admits and upgrades a client connection. Required
// query parameters: conversation_id, user_id, username.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	roomID := query.Get("conversation_id")
	userID := query.Get("user_id")
	username := query.Get("username")
	if roomID == "" || userID == "" || username == "" {
		http.Error(w, "conversation_id, user_id and username are required", http.StatusBadRequest)
		return
	}

	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil && !s.limiter.Allow(userID) {
		s.logger.Warn().
			Str("user_id", userID).
			Msg("Connection rejected: admission rate limit")
		metrics.AdmissionRejected("rate_limit")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if s.registry.GetStats().Connections >= s.cfg.MaxConnections {
		s.logger.Warn().
			Str("user_id", userID).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected: at capacity")
		metrics.AdmissionRejected("capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("WebSocket upgrade failed")
		metrics.AdmissionRejected("upgrade_failed")
		return
	}

	stream := newStream(conn, s.cfg.SendBufferSize, s.logger)
	go stream.writePump()

	connID := s.registry.Connect(stream, roomID, userID, username)
	s.throttle.UserJoined(roomID, userID, username)
	metrics.ConnectionAdmitted(s.registry.GetStats().Connections)

	s.logger.Info().
		Str("connection_id", connID).
		Str("user_id", userID).
		Str("conversation_id", roomID).
		Msg("Client connected")

	go s.readPump(&session{
		connID:   connID,
		roomID:   roomID,
		userID:   userID,
		username: username,
		stream:   stream,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.GetStats()
	health := map[string]any{
		"status":      "healthy",
		"uptime":      time.Since(s.startTime).String(),
		"connections": stats.Connections,
		"rooms":       stats.Rooms,
		"users":       stats.Users,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// participantView is one user's presence in a room as reported by
// /participants: tracker identity and joined-at merged with the
// registry's live connection view.
type participantView struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	JoinedAt    time.Time `json:"joined_at"`
	Connections int       `json:"connections"`
	LastSeen    time.Time `json:"last_seen"`
}

// handleParticipants lists who is currently in a conversation.
func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("conversation_id")
	if roomID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	connCount := make(map[string]int)
	lastSeen := make(map[string]time.Time)
	for _, p := range s.registry.Participants(roomID) {
		connCount[p.UserID]++
		if p.LastSeen.After(lastSeen[p.UserID]) {
			lastSeen[p.UserID] = p.LastSeen
		}
	}

	members := s.tracker.Members(roomID)
	participants := make([]participantView, 0, len(members))
	for _, m := range members {
		participants = append(participants, participantView{
			UserID:      m.UserID,
			Username:    m.Username,
			JoinedAt:    m.JoinedAt,
			Connections: connCount[m.UserID],
			LastSeen:    lastSeen[m.UserID],
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"conversation_id": roomID,
		"count":           len(participants),
		"participants":    participants,
	})
}

// handleStats exposes the collector's full export plus transport-level
// counters for dashboards and debugging.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	regStats := s.registry.GetStats()
	out := map[string]any{
		"connections":         regStats.Connections,
		"rooms":               regStats.Rooms,
		"users":               regStats.Users,
		"pending_probes":      s.monitor.PendingProbes(),
		"rate_limited_events": s.throttle.RateLimitedCount(),
		"dropped_tasks":       s.pool.DroppedTasks(),
		"metrics":             s.collector.Export(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
