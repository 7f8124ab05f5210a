package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatgrid/presence/internal/config"
	"github.com/chatgrid/presence/internal/limits"
	"github.com/chatgrid/presence/internal/liveness"
	"github.com/chatgrid/presence/internal/metrics"
	"github.com/chatgrid/presence/internal/presence"
	"github.com/chatgrid/presence/internal/registry"
	"github.com/chatgrid/presence/internal/throttle"
)

type nopStream struct{}

func (nopStream) Send([]byte) error { return nil }
func (nopStream) Close() error      { return nil }

func newTestServer(t *testing.T, cfg *config.Config, limiter *limits.AdmissionLimiter) *Server {
	t.Helper()

	logger := zerolog.Nop()
	collector := metrics.NewCollector(metrics.Config{SessionRetention: time.Hour}, logger)
	reg := registry.New(logger, collector)
	tracker := presence.NewTracker()
	thr := throttle.New(throttle.DefaultConfig(), reg, tracker, collector, logger)
	mon := liveness.New(reg, liveness.Config{
		PingInterval: 30 * time.Second,
		PongTimeout:  10 * time.Second,
	}, logger)

	t.Cleanup(thr.Stop)

	return New(cfg, Deps{
		Registry:  reg,
		Monitor:   mon,
		Throttle:  thr,
		Collector: collector,
		Limiter:   limiter,
		Tracker:   tracker,
	}, logger)
}

func baseConfig() *config.Config {
	return &config.Config{
		Addr:            ":0",
		MaxConnections:  100,
		SendBufferSize:  16,
		PingInterval:    30 * time.Second,
		PongTimeout:     10 * time.Second,
		WorkerCount:     2,
		WorkerQueueSize: 64,
	}
}

func TestWebSocketRejectsMissingParams(t *testing.T) {
	srv := newTestServer(t, baseConfig(), nil)

	for _, target := range []string{
		"/ws",
		"/ws?conversation_id=room-1",
		"/ws?conversation_id=room-1&user_id=alice",
		"/ws?user_id=alice&username=Alice",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		srv.handleWebSocket(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestWebSocketRejectsWhenAdmissionLimited(t *testing.T) {
	limiter := limits.NewAdmissionLimiter(limits.AdmissionConfig{
		UserBurst: 1,
		UserRate:  0.0001,
	}, zerolog.Nop())
	defer limiter.Stop()

	// Exhaust alice's single token.
	require.True(t, limiter.Allow("alice"))

	srv := newTestServer(t, baseConfig(), limiter)

	req := httptest.NewRequest(http.MethodGet, "/ws?conversation_id=room-1&user_id=alice&username=Alice", nil)
	rec := httptest.NewRecorder()
	srv.handleWebSocket(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestWebSocketRejectsAtCapacity(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxConnections = 1
	srv := newTestServer(t, cfg, nil)

	srv.registry.Connect(nopStream{}, "room-1", "alice", "Alice")

	req := httptest.NewRequest(http.MethodGet, "/ws?conversation_id=room-1&user_id=bob&username=Bob", nil)
	rec := httptest.NewRecorder()
	srv.handleWebSocket(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebSocketRejectsDuringShutdown(t *testing.T) {
	srv := newTestServer(t, baseConfig(), nil)
	srv.shuttingDown = 1

	req := httptest.NewRequest(http.MethodGet, "/ws?conversation_id=room-1&user_id=alice&username=Alice", nil)
	rec := httptest.NewRecorder()
	srv.handleWebSocket(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthReportsRegistryStats(t *testing.T) {
	srv := newTestServer(t, baseConfig(), nil)
	srv.registry.Connect(nopStream{}, "room-1", "alice", "Alice")
	srv.registry.Connect(nopStream{}, "room-1", "bob", "Bob")

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 2, body["connections"])
	assert.EqualValues(t, 1, body["rooms"])
	assert.EqualValues(t, 2, body["users"])
}

func TestStatsIncludesCollectorExport(t *testing.T) {
	srv := newTestServer(t, baseConfig(), nil)
	srv.registry.Connect(nopStream{}, "room-1", "alice", "Alice")

	rec := httptest.NewRecorder()
	srv.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["connections"])
	assert.Contains(t, body, "metrics")
	assert.Contains(t, body, "pending_probes")
}

func TestParticipantsRequiresConversationID(t *testing.T) {
	srv := newTestServer(t, baseConfig(), nil)

	rec := httptest.NewRecorder()
	srv.handleParticipants(rec, httptest.NewRequest(http.MethodGet, "/participants", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParticipantsMergesTrackerAndRegistry(t *testing.T) {
	srv := newTestServer(t, baseConfig(), nil)

	// Alice holds two connections, bob one.
	srv.registry.Connect(nopStream{}, "room-1", "alice", "Alice")
	srv.registry.Connect(nopStream{}, "room-1", "alice", "Alice")
	srv.registry.Connect(nopStream{}, "room-1", "bob", "Bob")
	srv.throttle.UserJoined("room-1", "alice", "Alice")
	srv.throttle.UserJoined("room-1", "bob", "Bob")

	rec := httptest.NewRecorder()
	srv.handleParticipants(rec, httptest.NewRequest(http.MethodGet, "/participants?conversation_id=room-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ConversationID string            `json:"conversation_id"`
		Count          int               `json:"count"`
		Participants   []participantView `json:"participants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "room-1", body.ConversationID)
	require.Equal(t, 2, body.Count)

	byUser := make(map[string]participantView)
	for _, p := range body.Participants {
		byUser[p.UserID] = p
	}
	assert.Equal(t, 2, byUser["alice"].Connections)
	assert.Equal(t, 1, byUser["bob"].Connections)
	assert.Equal(t, "Bob", byUser["bob"].Username)
	assert.False(t, byUser["alice"].JoinedAt.IsZero())

	// Unknown room reports an empty participant list, not an error.
	rec = httptest.NewRecorder()
	srv.handleParticipants(rec, httptest.NewRequest(http.MethodGet, "/participants?conversation_id=empty", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Zero(t, body.Count)
}

func TestDisconnectKeepsPresenceWhileSecondConnectionLives(t *testing.T) {
	srv := newTestServer(t, baseConfig(), nil)

	firstConn, firstClient := net.Pipe()
	firstStream := newStream(firstConn, 4, zerolog.Nop())
	firstID := srv.registry.Connect(firstStream, "room-1", "alice", "Alice")

	secondConn, secondClient := net.Pipe()
	secondStream := newStream(secondConn, 4, zerolog.Nop())
	secondID := srv.registry.Connect(secondStream, "room-1", "alice", "Alice")

	srv.throttle.UserJoined("room-1", "alice", "Alice")
	require.True(t, srv.tracker.IsPresent("room-1", "alice"))

	// First tab closes; alice is still present through the second.
	firstClient.Close()
	srv.readPump(&session{connID: firstID, roomID: "room-1", userID: "alice", username: "Alice", stream: firstStream})

	assert.True(t, srv.tracker.IsPresent("room-1", "alice"), "departure must not be announced while a connection remains")
	assert.True(t, srv.registry.IsUserInRoom("alice", "room-1"))

	// Last tab closes; now the departure is recorded.
	secondClient.Close()
	srv.readPump(&session{connID: secondID, roomID: "room-1", userID: "alice", username: "Alice", stream: secondStream})

	assert.False(t, srv.tracker.IsPresent("room-1", "alice"))
	assert.False(t, srv.registry.IsUserInRoom("alice", "room-1"))
}
