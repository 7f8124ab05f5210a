package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// New creates a structured logger for the presence service.
//
// Output is JSON by default (log-aggregator friendly); "pretty" switches
// to a human-readable console writer for local development.
func New(config Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "presence").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack trace and lets the
// goroutine continue. Use in defer blocks of background loops where a
// single bad event must not take the process down.
func RecoverPanic(logger zerolog.Logger, goroutineName string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("Goroutine panic recovered")
	}
}
