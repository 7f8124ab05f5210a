// Package liveness probes registered connections with application-level
// pings and evicts peers that stop answering. This is the dominant
// mechanism for reclaiming connections that vanished without a
// transport-level close.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatgrid/presence/internal/logging"
	"github.com/chatgrid/presence/internal/metrics"
	"github.com/chatgrid/presence/internal/protocol"
)

// Registry is the slice of the connection registry the monitor needs.
type Registry interface {
	ConnectionIDs() []string
	SendToConnection(connID string, message []byte) bool
	Disconnect(connID string)
	Touch(connID string)
	EvictIdle(maxIdle time.Duration) int
}

// Config controls probe cadence.
type Config struct {
	PingInterval time.Duration // how often to probe every connection
	PongTimeout  time.Duration // unanswered probe older than this evicts
	IdleTimeout  time.Duration // fallback last_seen sweep threshold
}

// Monitor runs one background loop. Per connection it keeps at most one
// pending probe entry; a pong clears it, a timeout evicts.
type Monitor struct {
	registry Registry
	cfg      Config
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]time.Time // connID -> probe_sent_at

	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

// New creates a monitor. Start must be called to begin probing.
func New(registry Registry, cfg Config, logger zerolog.Logger) *Monitor {
	return &Monitor{
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "liveness").Logger(),
		pending:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// Start launches the probe loop. The loop stops when ctx is cancelled or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()

		m.logger.Info().
			Dur("ping_interval", m.cfg.PingInterval).
			Dur("pong_timeout", m.cfg.PongTimeout).
			Msg("Liveness monitor started")

		for {
			select {
			case <-ctx.Done():
				m.logger.Info().Msg("Liveness monitor stopped")
				return
			case <-ticker.C:
				m.cycle()
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// cycle runs one probe iteration. A panic inside a cycle is recovered
// and logged; the next tick retries, so one bad connection can never
// terminate the monitor.
func (m *Monitor) cycle() {
	defer logging.RecoverPanic(m.logger, "liveness.cycle")

	m.sweepTimeouts()
	m.probeAll()

	if m.cfg.IdleTimeout > 0 {
		if evicted := m.registry.EvictIdle(m.cfg.IdleTimeout); evicted > 0 {
			m.logger.Warn().Int("evicted", evicted).Msg("Idle sweep evicted connections")
		}
	}
}

// probeAll sends a ping to every connection without an outstanding
// probe. Sends are fire-and-forget with individual failure containment:
// a failed send already evicted the connection inside the registry.
func (m *Monitor) probeAll() {
	ping := protocol.Marshal(protocol.Ping{
		Type:      protocol.TypePing,
		Timestamp: protocol.Now(),
	})

	for _, connID := range m.registry.ConnectionIDs() {
		// Record the pending entry before the send so a pong racing the
		// send's return is never mistaken for a late response.
		m.mu.Lock()
		if _, outstanding := m.pending[connID]; outstanding {
			m.mu.Unlock()
			continue
		}
		m.pending[connID] = m.now()
		m.mu.Unlock()

		if !m.registry.SendToConnection(connID, ping) {
			m.mu.Lock()
			delete(m.pending, connID)
			m.mu.Unlock()
			m.logger.Debug().
				Str("connection_id", connID).
				Msg("Probe send failed, connection evicted")
		}
	}
}

// sweepTimeouts force-disconnects every connection whose pending probe
// is older than PongTimeout and clears its entry.
func (m *Monitor) sweepTimeouts() {
	cutoff := m.now().Add(-m.cfg.PongTimeout)

	m.mu.Lock()
	expired := make([]string, 0)
	for connID, sentAt := range m.pending {
		if sentAt.Before(cutoff) {
			expired = append(expired, connID)
			delete(m.pending, connID)
		}
	}
	m.mu.Unlock()

	for _, connID := range expired {
		m.logger.Warn().
			Str("connection_id", connID).
			Dur("pong_timeout", m.cfg.PongTimeout).
			Msg("Pong timeout, disconnecting")
		m.registry.Disconnect(connID)
		metrics.LivenessEviction()
	}
}

// HandlePong records a liveness response: the pending entry is cleared
// and last_seen bumped. A pong with no pending entry is a late or
// duplicate response and is ignored.
func (m *Monitor) HandlePong(connID string) {
	m.mu.Lock()
	_, outstanding := m.pending[connID]
	if outstanding {
		delete(m.pending, connID)
	}
	m.mu.Unlock()

	if outstanding {
		m.registry.Touch(connID)
	}
}

// PendingProbes returns the number of outstanding probes. Exposed for
// stats and tests.
func (m *Monitor) PendingProbes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
