package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu     sync.Mutex
	sent   [][]byte
	fail   bool
	closed bool
}

func (s *fakeStream) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail || s.closed {
		return errors.New("peer gone")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.sent = append(s.sent, buf)
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) messageTypes(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.sent))
	for _, raw := range s.sent {
		var m struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &m))
		types = append(types, m.Type)
	}
	return types
}

func (s *fakeStream) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestRegistry() *Registry {
	return New(zerolog.Nop(), nil)
}

func TestConnectIndexesConsistently(t *testing.T) {
	r := newTestRegistry()

	id1 := r.Connect(&fakeStream{}, "room-7", "alice", "Alice")
	id2 := r.Connect(&fakeStream{}, "room-7", "bob", "Bob")
	id3 := r.Connect(&fakeStream{}, "room-9", "alice", "Alice")

	require.NotEqual(t, id1, id2)
	require.NotEqual(t, id1, id3)

	stats := r.GetStats()
	assert.Equal(t, 3, stats.Connections)
	assert.Equal(t, 2, stats.Rooms)
	assert.Equal(t, 2, stats.Users)

	assert.Equal(t, 2, r.RoomCount("room-7"))
	assert.Equal(t, 1, r.RoomCount("room-9"))
	assert.True(t, r.IsUserOnline("alice"))
	assert.True(t, r.IsUserInRoom("alice", "room-9"))
	assert.False(t, r.IsUserInRoom("bob", "room-9"))

	r.Disconnect(id3)

	stats = r.GetStats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 1, stats.Rooms)
	assert.Equal(t, 2, stats.Users)
	assert.True(t, r.IsUserOnline("alice"))
	assert.False(t, r.IsUserInRoom("alice", "room-9"))

	r.Disconnect(id1)
	assert.False(t, r.IsUserOnline("alice"))
	assert.Equal(t, 1, r.GetStats().Connections)
}

func TestDisconnectUnknownIsNoop(t *testing.T) {
	r := newTestRegistry()
	require.NotPanics(t, func() {
		r.Disconnect("no-such-connection")
	})

	// Idempotent: a second disconnect of a known id is also a no-op.
	id := r.Connect(&fakeStream{}, "room-1", "alice", "Alice")
	r.Disconnect(id)
	require.NotPanics(t, func() { r.Disconnect(id) })
}

func TestConnectBroadcastsJoinToOthersOnly(t *testing.T) {
	r := newTestRegistry()

	first := &fakeStream{}
	second := &fakeStream{}
	r.Connect(first, "room-1", "alice", "Alice")
	r.Connect(second, "room-1", "bob", "Bob")

	// The existing member sees bob join; the new member sees nothing
	// sent before its own admission.
	assert.Equal(t, []string{"user_joined"}, first.messageTypes(t))
	assert.Empty(t, second.messageTypes(t))
}

func TestDisconnectBroadcastsLeftToRemaining(t *testing.T) {
	r := newTestRegistry()

	aliceStream := &fakeStream{}
	bobStream := &fakeStream{}
	aliceID := r.Connect(aliceStream, "room-1", "alice", "Alice")
	r.Connect(bobStream, "room-1", "bob", "Bob")

	r.Disconnect(aliceID)

	types := bobStream.messageTypes(t)
	require.NotEmpty(t, types)
	assert.Equal(t, "user_left", types[len(types)-1])
	// The departed connection never receives its own user_left.
	assert.NotContains(t, aliceStream.messageTypes(t), "user_left")
}

func TestBroadcastExcludesAndCounts(t *testing.T) {
	r := newTestRegistry()

	streams := make([]*fakeStream, 3)
	ids := make([]string, 3)
	users := []string{"alice", "bob", "carol"}
	for i := range streams {
		streams[i] = &fakeStream{}
		ids[i] = r.Connect(streams[i], "room-1", users[i], users[i])
	}
	before := []int{streams[0].count(), streams[1].count(), streams[2].count()}

	sent := r.BroadcastToRoom("room-1", []byte(`{"type":"chat_message"}`), ids[0])

	assert.Equal(t, 2, sent)
	assert.Equal(t, before[0], streams[0].count())
	assert.Equal(t, before[1]+1, streams[1].count())
	assert.Equal(t, before[2]+1, streams[2].count())
}

func TestFailedSendEvictsWithoutHarmingSiblings(t *testing.T) {
	r := newTestRegistry()

	dead := &fakeStream{}
	alive := &fakeStream{}
	r.Connect(dead, "room-1", "alice", "Alice")
	bobID := r.Connect(alive, "room-1", "bob", "Bob")
	aliveBefore := alive.count()

	// The peer vanishes silently; the next delivery attempt discovers it.
	dead.mu.Lock()
	dead.fail = true
	dead.mu.Unlock()

	sent := r.BroadcastToRoom("room-1", []byte(`{"type":"chat_message"}`), "")

	// The dead peer is gone after exactly one attempt; the live peer
	// got the chat message plus alice's user_left.
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, r.GetStats().Connections)
	assert.False(t, r.IsUserOnline("alice"))
	assert.True(t, r.IsUserOnline("bob"))
	assert.GreaterOrEqual(t, alive.count(), aliveBefore+1)

	// Subsequent broadcasts no longer attempt the evicted connection.
	sent = r.BroadcastToRoom("room-1", []byte(`{"type":"chat_message"}`), "")
	assert.Equal(t, 1, sent)
	_ = bobID
}

func TestSendToUserReachesAllRooms(t *testing.T) {
	r := newTestRegistry()

	s1 := &fakeStream{}
	s2 := &fakeStream{}
	other := &fakeStream{}
	r.Connect(s1, "room-1", "alice", "Alice")
	r.Connect(s2, "room-2", "alice", "Alice")
	r.Connect(other, "room-1", "bob", "Bob")
	c1, c2, c3 := s1.count(), s2.count(), other.count()

	sent := r.SendToUser("alice", []byte(`{"type":"chat_message"}`))

	assert.Equal(t, 2, sent)
	assert.Equal(t, c1+1, s1.count())
	assert.Equal(t, c2+1, s2.count())
	assert.Equal(t, c3, other.count())
}

func TestSendToConnectionUnknownReturnsFalse(t *testing.T) {
	r := newTestRegistry()
	assert.False(t, r.SendToConnection("missing", []byte("{}")))
}

func TestParticipants(t *testing.T) {
	r := newTestRegistry()
	r.Connect(&fakeStream{}, "room-1", "alice", "Alice")
	r.Connect(&fakeStream{}, "room-1", "bob", "Bob")

	parts := r.Participants("room-1")
	require.Len(t, parts, 2)
	assert.Equal(t, "alice", parts[0].UserID)
	assert.Equal(t, "Bob", parts[1].Username)
	assert.False(t, parts[0].ConnectedAt.IsZero())
	assert.False(t, parts[0].LastSeen.IsZero())

	assert.Empty(t, r.Participants("empty-room"))
}

func TestEvictIdle(t *testing.T) {
	r := newTestRegistry()

	base := time.Now()
	clock := base
	r.now = func() time.Time { return clock }

	idleStream := &fakeStream{}
	r.Connect(idleStream, "room-1", "alice", "Alice")

	// Admit the fresh connection into a different room: a join broadcast
	// into room-1 would land on alice's stream and bump her last_seen.
	clock = base.Add(2 * time.Minute)
	freshID := r.Connect(&fakeStream{}, "room-2", "bob", "Bob")

	evicted := r.EvictIdle(time.Minute)

	assert.Equal(t, 1, evicted)
	assert.False(t, r.IsUserOnline("alice"))
	assert.True(t, r.IsUserOnline("bob"))
	_ = freshID

	// Nothing left over the threshold.
	assert.Equal(t, 0, r.EvictIdle(time.Minute))
}

type countingObserver struct {
	mu     sync.Mutex
	opened int
	closed int
}

func (o *countingObserver) ConnectionOpened(roomID, userID string) {
	o.mu.Lock()
	o.opened++
	o.mu.Unlock()
}

func (o *countingObserver) ConnectionClosed(roomID, userID string) {
	o.mu.Lock()
	o.closed++
	o.mu.Unlock()
}

func TestObserverSeesLifecycle(t *testing.T) {
	obs := &countingObserver{}
	r := New(zerolog.Nop(), obs)

	id := r.Connect(&fakeStream{}, "room-1", "alice", "Alice")
	r.Connect(&fakeStream{fail: true}, "room-1", "bob", "Bob")

	// Bob's dead stream is evicted on the first delivery attempt.
	r.BroadcastToRoom("room-1", []byte("{}"), "")
	r.Disconnect(id)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.opened)
	assert.Equal(t, 2, obs.closed)
}

func TestConcurrentConnectDisconnectKeepsIndicesConsistent(t *testing.T) {
	r := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			users := []string{"alice", "bob", "carol", "dave"}
			for j := 0; j < 50; j++ {
				user := users[(worker+j)%len(users)]
				id := r.Connect(&fakeStream{}, "room-1", user, user)
				r.BroadcastToRoom("room-1", []byte(`{"type":"chat_message"}`), "")
				r.Disconnect(id)
			}
		}(i)
	}
	wg.Wait()

	stats := r.GetStats()
	assert.Equal(t, 0, stats.Connections)
	assert.Equal(t, 0, stats.Rooms)
	assert.Equal(t, 0, stats.Users)
}
