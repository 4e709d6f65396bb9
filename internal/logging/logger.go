package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Service is attached to every record so logs from the API server and the
// index consumer can be told apart once shipped.
const Service = "ride-pooling"

// NewLogger builds the JSON logger used by both binaries.
func NewLogger(level string) *slog.Logger {
	return New(os.Stdout, level)
}

// New writes JSON records at or above level to w.
func New(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	return slog.New(slog.NewJSONHandler(w, opts)).With("service", Service)
}

// Component scopes logger to one subsystem, e.g. "matcher" or "expiry".
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("component", name)
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
