package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/chatgrid/presence/internal/config"
	"github.com/chatgrid/presence/internal/limits"
	"github.com/chatgrid/presence/internal/liveness"
	"github.com/chatgrid/presence/internal/logging"
	"github.com/chatgrid/presence/internal/metrics"
	"github.com/chatgrid/presence/internal/presence"
	"github.com/chatgrid/presence/internal/registry"
	"github.com/chatgrid/presence/internal/server"
	"github.com/chatgrid/presence/internal/throttle"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})
	bootLogger.Info().
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Msg("GOMAXPROCS set via automaxprocs")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	collector := metrics.NewCollector(metrics.Config{
		SessionRetention: cfg.SessionRetention,
		SeriesCapacity:   cfg.SeriesCapacity,
	}, logger)

	reg := registry.New(logger, collector)

	tracker := presence.NewTracker()
	thr := throttle.New(throttle.Config{
		UserLimit:        cfg.UserRateLimit,
		RoomLimit:        cfg.RoomRateLimit,
		Window:           cfg.RateWindow,
		PresenceInterval: cfg.PresenceInterval,
		TypingInterval:   cfg.TypingInterval,
		CursorInterval:   cfg.CursorInterval,
		ActivityInterval: cfg.ActivityInterval,
	}, reg, tracker, collector, logger)

	monitor := liveness.New(reg, liveness.Config{
		PingInterval: cfg.PingInterval,
		PongTimeout:  cfg.PongTimeout,
		IdleTimeout:  cfg.IdleTimeout(),
	}, logger)

	var limiter *limits.AdmissionLimiter
	if cfg.ConnRateLimitEnabled {
		limiter = limits.NewAdmissionLimiter(limits.AdmissionConfig{
			UserBurst:   cfg.ConnRateLimitUserBurst,
			UserRate:    cfg.ConnRateLimitUserRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
		}, logger)
		logger.Info().Msg("Connection admission rate limiting enabled")
	}

	srv := server.New(cfg, server.Deps{
		Registry:  reg,
		Monitor:   monitor,
		Throttle:  thr,
		Collector: collector,
		Limiter:   limiter,
		Tracker:   tracker,
	}, logger)

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
