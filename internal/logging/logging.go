// Package logging builds the zerolog logger shared by the CLI and the
// stores. Library packages never construct loggers themselves; they take
// one through an option and default to zerolog.Nop.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Formats accepted by New.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Options configures New.
type Options struct {
	Level  string    // debug, info, warn, error; default info
	Format string    // json (default) or console
	Out    io.Writer // default os.Stderr
}

// New creates a logger writing to opts.Out.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer = out
	if f := strings.ToLower(opts.Format); f == FormatConsole || f == "pretty" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	}

	return zerolog.New(w).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel converts a level name; unknown names mean info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// ValidLevel reports whether ParseLevel recognizes level by name.
func ValidLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug", "info", "warn", "warning", "error", "disabled", "off":
		return true
	}
	return false
}
