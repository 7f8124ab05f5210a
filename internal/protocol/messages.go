// Package protocol defines the JSON wire messages exchanged with
// connected clients. All outbound messages carry a "type" discriminator
// and a millisecond Unix timestamp.
package protocol

import (
	"encoding/json"
	"time"
)

// Outbound message types.
const (
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypePresenceUpdate  = "presence_update"
	TypeTypingIndicator = "typing_indicator"
	TypeCursorPosition  = "cursor_position"
	TypeChatMessage     = "chat_message"
	TypeActivity        = "activity"
	TypePing            = "ping"
)

// Inbound message types. Inbound "activity" frames reuse TypeActivity.
const (
	TypePong    = "pong"
	TypeTyping  = "typing"
	TypeCursor  = "cursor"
	TypeMessage = "message"
)

// Presence actions for PresenceUpdate.
const (
	ActionJoined = "joined"
	ActionLeft   = "left"
)

// UserEvent announces a user joining or leaving a room.
// Type is TypeUserJoined or TypeUserLeft.
type UserEvent struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// PresenceUpdate is the coalesced presence notification.
type PresenceUpdate struct {
	Type           string `json:"type"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	Action         string `json:"action"` // "joined" or "left"
	ConversationID string `json:"conversation_id"`
	Timestamp      int64  `json:"timestamp"`
}

// TypingIndicator reports typing start/stop for a user in a room.
type TypingIndicator struct {
	Type           string `json:"type"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"is_typing"`
	ConversationID string `json:"conversation_id"`
	Timestamp      int64  `json:"timestamp"`
}

// CursorPosition reports a user's cursor location in a room. Position is
// opaque to the server and relayed verbatim.
type CursorPosition struct {
	Type           string          `json:"type"`
	UserID         string          `json:"user_id"`
	Username       string          `json:"username"`
	Position       json.RawMessage `json:"position"`
	ConversationID string          `json:"conversation_id"`
	Timestamp      int64           `json:"timestamp"`
}

// Activity carries a generic low-frequency activity payload.
type Activity struct {
	Type           string          `json:"type"`
	UserID         string          `json:"user_id"`
	Username       string          `json:"username"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ConversationID string          `json:"conversation_id"`
	Timestamp      int64           `json:"timestamp"`
}

// ChatMessage relays a chat payload to a room.
type ChatMessage struct {
	Type           string          `json:"type"`
	UserID         string          `json:"user_id"`
	Username       string          `json:"username"`
	Content        json.RawMessage `json:"content"`
	ConversationID string          `json:"conversation_id"`
	Timestamp      int64           `json:"timestamp"`
}

// Ping is the application-level liveness probe. Clients answer with an
// inbound frame of type "pong".
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Inbound is the envelope for client frames. Fields beyond Type are
// populated depending on the message kind.
type Inbound struct {
	Type     string          `json:"type"`
	IsTyping bool            `json:"is_typing"`
	Position json.RawMessage `json:"position"`
	Content  json.RawMessage `json:"content"`
	Payload  json.RawMessage `json:"payload"`
}

// Now returns the current time as a millisecond Unix timestamp.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Marshal encodes v, panicking on failure. Wire structs contain only
// JSON-safe field types, so failure indicates a programming error.
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
