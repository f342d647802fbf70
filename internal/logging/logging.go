// Package logging builds the zerolog loggers shared by the wsps binaries.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New returns a logger writing to stdout and installs it as the zerolog
// global logger. An unknown level falls back to info.
func New(app, level string, pretty bool) zerolog.Logger {
	logger := NewWithWriter(os.Stdout, app, level, pretty)
	log.Logger = logger
	return logger
}

// NewWithWriter is New without touching the global logger.
func NewWithWriter(w io.Writer, app, level string, pretty bool) zerolog.Logger {
	out := w
	if pretty {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	lvl, ok := ParseLevel(level)
	if !ok {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("app", app).Logger()
}

// ParseLevel maps a level name to a zerolog level. The second result is false
// for empty or unknown names.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
