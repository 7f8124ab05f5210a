package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all presence service configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"PRESENCE_ADDR" envDefault:":3002"`

	// Capacity
	MaxConnections int `env:"PRESENCE_MAX_CONNECTIONS" envDefault:"10000"`
	SendBufferSize int `env:"PRESENCE_SEND_BUFFER" envDefault:"256"`

	// Liveness
	PingInterval time.Duration `env:"PRESENCE_PING_INTERVAL" envDefault:"30s"`
	PongTimeout  time.Duration `env:"PRESENCE_PONG_TIMEOUT" envDefault:"10s"`

	// Event rate limiting (sliding window)
	UserRateLimit int           `env:"PRESENCE_USER_RATE_LIMIT" envDefault:"10"`
	RoomRateLimit int           `env:"PRESENCE_ROOM_RATE_LIMIT" envDefault:"100"`
	RateWindow    time.Duration `env:"PRESENCE_RATE_WINDOW" envDefault:"1m"`

	// Coalescing intervals per event kind
	PresenceInterval time.Duration `env:"PRESENCE_PRESENCE_INTERVAL" envDefault:"50ms"`
	TypingInterval   time.Duration `env:"PRESENCE_TYPING_INTERVAL" envDefault:"100ms"`
	CursorInterval   time.Duration `env:"PRESENCE_CURSOR_INTERVAL" envDefault:"50ms"`
	ActivityInterval time.Duration `env:"PRESENCE_ACTIVITY_INTERVAL" envDefault:"1s"`

	// Metrics
	SessionRetention time.Duration `env:"PRESENCE_SESSION_RETENTION" envDefault:"1h"`
	SeriesCapacity   int           `env:"PRESENCE_SERIES_CAPACITY" envDefault:"360"`

	// Worker pool (inbound event dispatch)
	WorkerCount     int `env:"PRESENCE_WORKER_COUNT" envDefault:"0"` // 0 = 2 x GOMAXPROCS
	WorkerQueueSize int `env:"PRESENCE_WORKER_QUEUE" envDefault:"1024"`

	// Connection admission rate limiting (token bucket)
	ConnRateLimitEnabled     bool    `env:"PRESENCE_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitUserBurst   int     `env:"PRESENCE_CONN_RATE_USER_BURST" envDefault:"5"`
	ConnRateLimitUserRate    float64 `env:"PRESENCE_CONN_RATE_USER_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"PRESENCE_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"PRESENCE_CONN_RATE_GLOBAL_RATE" envDefault:"50.0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and environment
// variables. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("PRESENCE_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("PRESENCE_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendBufferSize < 1 {
		return fmt.Errorf("PRESENCE_SEND_BUFFER must be > 0, got %d", c.SendBufferSize)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("PRESENCE_PING_INTERVAL must be positive, got %s", c.PingInterval)
	}
	if c.PongTimeout <= 0 || c.PongTimeout >= c.PingInterval {
		return fmt.Errorf("PRESENCE_PONG_TIMEOUT must be positive and shorter than the ping interval, got %s", c.PongTimeout)
	}
	if c.UserRateLimit < 1 || c.RoomRateLimit < 1 {
		return fmt.Errorf("rate limits must be > 0, got user=%d room=%d", c.UserRateLimit, c.RoomRateLimit)
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("PRESENCE_RATE_WINDOW must be positive, got %s", c.RateWindow)
	}
	for name, d := range map[string]time.Duration{
		"PRESENCE_PRESENCE_INTERVAL": c.PresenceInterval,
		"PRESENCE_TYPING_INTERVAL":   c.TypingInterval,
		"PRESENCE_CURSOR_INTERVAL":   c.CursorInterval,
		"PRESENCE_ACTIVITY_INTERVAL": c.ActivityInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("PRESENCE_SESSION_RETENTION must be positive, got %s", c.SessionRetention)
	}
	if c.SeriesCapacity < 1 {
		return fmt.Errorf("PRESENCE_SERIES_CAPACITY must be > 0, got %d", c.SeriesCapacity)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// IdleTimeout is the fallback idle-eviction threshold used by the
// liveness sweep. Connections that miss three consecutive probe cycles
// are considered gone even if no probe failure was observed.
func (c *Config) IdleTimeout() time.Duration {
	return 3 * c.PingInterval
}

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("send_buffer", c.SendBufferSize).
		Dur("ping_interval", c.PingInterval).
		Dur("pong_timeout", c.PongTimeout).
		Int("user_rate_limit", c.UserRateLimit).
		Int("room_rate_limit", c.RoomRateLimit).
		Dur("rate_window", c.RateWindow).
		Dur("typing_interval", c.TypingInterval).
		Dur("cursor_interval", c.CursorInterval).
		Dur("session_retention", c.SessionRetention).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
