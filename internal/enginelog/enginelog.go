// Package enginelog builds the engine's shared slog.Logger, grounded on the
// text-handler-to-stderr construction repeated across the teacher's
// cmd/*/main.go entry points.
package enginelog

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a text-handler logger writing to w (os.Stderr if w is nil) at
// the given level.
func New(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// ParseLevel parses a case-insensitive level name ("debug", "info", "warn",
// "error"), defaulting to slog.LevelInfo for anything else including "".
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
