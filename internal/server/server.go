// Package server ties the presence subsystem to its HTTP/WebSocket
// surface: the /ws upgrade endpoint plus /health, /stats and /metrics.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatgrid/presence/internal/config"
	"github.com/chatgrid/presence/internal/limits"
	"github.com/chatgrid/presence/internal/liveness"
	"github.com/chatgrid/presence/internal/metrics"
	"github.com/chatgrid/presence/internal/presence"
	"github.com/chatgrid/presence/internal/registry"
	"github.com/chatgrid/presence/internal/throttle"
	"github.com/chatgrid/presence/internal/workers"
)

// Server owns the HTTP listener and the lifecycle of every background
// component: registry, liveness monitor, throttle, metrics collector,
// admission limiter and worker pool.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	registry  *registry.Registry
	monitor   *liveness.Monitor
	throttle  *throttle.Throttle
	collector *metrics.Collector
	limiter   *limits.AdmissionLimiter
	tracker   *presence.Tracker
	pool      *workers.Pool

	listener     net.Listener
	httpServer   *http.Server
	cancel       context.CancelFunc
	shuttingDown int32
	startTime    time.Time
}

// Deps are the wired components the server serves. All fields are
// required except Limiter, which may be nil when admission limiting is
// disabled.
type Deps struct {
	Registry  *registry.Registry
	Monitor   *liveness.Monitor
	Throttle  *throttle.Throttle
	Collector *metrics.Collector
	Limiter   *limits.AdmissionLimiter
	Tracker   *presence.Tracker
}

// New creates a server. Start launches it.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	workerCount := cfg.WorkerCount
	if workerCount == 0 {
		workerCount = 2 * runtime.GOMAXPROCS(0)
	}

	return &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		registry:  deps.Registry,
		monitor:   deps.Monitor,
		throttle:  deps.Throttle,
		collector: deps.Collector,
		limiter:   deps.Limiter,
		tracker:   deps.Tracker,
		pool:      workers.NewPool(workerCount, cfg.WorkerQueueSize, logger),
		startTime: time.Now(),
	}
}

// Start binds the listener and launches all background loops. It
// returns once the server is accepting; Serve errors are logged from
// the accept goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.pool.Start(ctx)
	s.monitor.Start(ctx)
	s.collector.Start(ctx)
	go s.cleanupLoop(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/participants", s.handleParticipants)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Presence server listening")

	return nil
}

// cleanupLoop periodically drops expired throttle limiter state.
func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.throttle.Cleanup()
		}
	}
}

// Shutdown drains the server: new connections are rejected, background
// loops stop, and every live connection gets a user_left farewell via
// the registry before its socket closes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
		}
	}

	s.monitor.Stop()
	s.throttle.Stop()
	s.registry.DisconnectAll()

	if s.cancel != nil {
		s.cancel()
	}
	s.pool.Wait()
	s.collector.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}
