package registry

import (
	"time"
)

// Stream is the transport half of a connection: a bidirectional message
// stream that accepts outbound frames and reports an error once the peer
// is gone. The registry owns failure handling; callers of Send-family
// registry methods never see transport errors.
type Stream interface {
	Send(data []byte) error
	Close() error
}

// Connection binds one live stream to a (user, username, conversation)
// triple. A user present in two rooms holds two distinct connections.
//
// Connections are owned exclusively by the Registry from admission until
// removal; other components refer to them by ID only. lastSeen is
// guarded by the registry mutex.
type Connection struct {
	ID             string
	UserID         string
	Username       string
	ConversationID string

	stream      Stream
	connectedAt time.Time
	lastSeen    time.Time
}

// Participant is the read-only view of a connection returned by
// Participants queries.
type Participant struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Stats is an aggregate snapshot of the registry.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Users       int `json:"users"`
}
