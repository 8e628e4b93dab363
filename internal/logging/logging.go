// Package logging provides the relay's structured logging, built the way
// ws/internal/single/monitoring/logger.go builds its zerolog.Logger:
// JSON to stdout by default, pretty console output when configured, a
// "service" field stamped on every line, and helpers for logging
// recovered panics with a stack trace.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level  string // debug|info|warn|error
	Pretty bool
}

// New builds a zerolog.Logger scoped to the given service name.
func New(service string, cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).With().Timestamp().Str("service", service).Logger()
}

// LogPanic logs a recovered panic with a stack trace. Intended for use in
// defer/recover blocks at goroutine boundaries that otherwise cannot
// report failure to a caller (PTY readers, connection pumps, tracker
// timers), mirroring the teacher's LogPanic helper.
func LogPanic(logger zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	event := logger.Error().
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
