package server

import (
	"encoding/json"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/chatgrid/presence/internal/logging"
	"github.com/chatgrid/presence/internal/metrics"
	"github.com/chatgrid/presence/internal/protocol"
)

// session is one upgraded client connection, bound to a registry entry.
type session struct {
	connID   string
	roomID   string
	userID   string
	username string
	stream   *wsStream
}

// readPump reads client frames until the connection errors or closes.
// Any read error is treated as a client-initiated disconnect; cleanup
// runs exactly once through the registry's idempotent Disconnect.
func (s *Server) readPump(sess *session) {
	defer logging.RecoverPanic(s.logger, "server.readPump")

	defer func() {
		s.registry.Disconnect(sess.connID)
		// Announce departure only when this was the user's last
		// connection to the room; a second tab staying open means the
		// user is still present.
		if !s.registry.IsUserInRoom(sess.userID, sess.roomID) {
			s.throttle.UserLeft(sess.roomID, sess.userID, sess.username)
		}
		metrics.ConnectionDropped(s.registry.GetStats().Connections)
		s.logger.Info().
			Str("connection_id", sess.connID).
			Str("user_id", sess.userID).
			Str("conversation_id", sess.roomID).
			Msg("Client disconnected")
	}()

	readTimeout := s.cfg.IdleTimeout()
	sess.stream.conn.SetReadDeadline(time.Now().Add(readTimeout))

	for {
		msg, op, err := wsutil.ReadClientData(sess.stream.conn)
		if err != nil {
			return
		}
		sess.stream.conn.SetReadDeadline(time.Now().Add(readTimeout))

		switch op {
		case ws.OpText:
			s.dispatch(sess, msg)
		case ws.OpClose:
			return
		}
	}
}

// dispatch parses one inbound frame and hands it to the worker pool.
// Unknown frame types are ignored; a malformed frame is logged and
// dropped rather than disconnecting the client.
func (s *Server) dispatch(sess *session, raw []byte) {
	var in protocol.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		s.logger.Debug().
			Err(err).
			Str("connection_id", sess.connID).
			Msg("Malformed client frame dropped")
		return
	}

	switch in.Type {
	case protocol.TypePong:
		// Pongs bypass the pool: liveness bookkeeping must not be
		// delayed or dropped under queue pressure.
		s.monitor.HandlePong(sess.connID)

	case protocol.TypeTyping:
		s.pool.Submit(func() {
			s.throttle.BroadcastTypingIndicator(sess.roomID, sess.userID, sess.username, in.IsTyping)
		})

	case protocol.TypeCursor:
		position := in.Position
		s.pool.Submit(func() {
			s.throttle.BroadcastCursorPosition(sess.roomID, sess.userID, sess.username, position)
		})

	case protocol.TypeActivity:
		payload := in.Payload
		s.pool.Submit(func() {
			s.throttle.BroadcastActivity(sess.roomID, sess.userID, sess.username, payload)
		})

	case protocol.TypeMessage:
		content := in.Content
		s.pool.Submit(func() {
			s.relayChatMessage(sess, content)
		})
	}
}

// relayChatMessage broadcasts a chat payload to the sender's room. Chat
// messages are never throttled or coalesced; only ephemeral events are.
func (s *Server) relayChatMessage(sess *session, content json.RawMessage) {
	payload := protocol.Marshal(protocol.ChatMessage{
		Type:           protocol.TypeChatMessage,
		UserID:         sess.userID,
		Username:       sess.username,
		Content:        content,
		ConversationID: sess.roomID,
		Timestamp:      protocol.Now(),
	})
	s.registry.BroadcastToRoom(sess.roomID, payload, sess.connID)
	s.collector.RecordMessage(sess.roomID, sess.userID)
}
