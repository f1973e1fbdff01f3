// Package logging configures structured zerolog output for the export
// pipeline and hands out component-scoped loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel names a minimum severity.
type LogLevel string

const (
	// LevelDebug logs per-record decisions and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs page progress and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs malformed records and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs fatal pipeline errors only.
	LevelError LogLevel = "error"
)

// Config selects level, format and destination.
type Config struct {
	Level LogLevel

	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool

	// Output defaults to os.Stderr when nil.
	Output io.Writer
}

// DefaultConfig logs JSON at info level to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to a zerolog.Level. Unknown names map
// to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// IsValidLevel reports whether level names one of the supported levels.
func IsValidLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// NewLogger creates a logger derived from the global one with the given
// component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Component derives a component-scoped logger from parent.
func Component(parent zerolog.Logger, component string) zerolog.Logger {
	return parent.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-record detail
//   - inactive accounts skipped
//   - product URLs that do not match the target
//   - dedup outcomes (inserted, replaced, kept)
//
// Info: normal progress
//   - page fetched (number, records, has_next)
//   - export started / completed (rows, output path)
//
// Warn: recoverable problems
//   - malformed records or access entries dropped
//   - rate limiter waits longer than a second
//
// Error: the run cannot continue
//   - fetch failures (status, cursor)
//   - writer failures
//
// Context Fields:
//   - component: ratelimit, client, pagination, sink, export, metrics
//   - run_id: one id per export run
//   - page: page number (1-based)
//   - cursor: cursor the page was requested with
//   - account_id / product_key: composite key parts
//   - error_class: client, rate_limit, server, network, decode
