// Package logger builds the slog.Logger used by every command. Hook output
// goes to stderr, so git relays it to the pushing client.
package logger

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// Formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// New creates a logger writing to w. Format "json" selects slog's JSON
// handler; anything else gets tint's colored console output. Color is only
// used when color is true, since hook output often ends up in a remote's
// terminal that does not expect escape codes.
func New(w io.Writer, level, format string, color bool) *slog.Logger {
	logLevel := ParseLevel(level)

	var handler slog.Handler
	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
			NoColor:    !color,
		})
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything, for tests and library
// callers that did not configure one.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
