// Package logging builds the server's structured logger.
//
// Logs always go to stderr because stdout carries the MCP protocol.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

// Options selects the handler.
type Options struct {
	// Level is debug, info, warn or error. Unknown values mean info.
	Level string

	// Format is "json" for machine-readable logs; anything else is colored text.
	Format string
}

// FromEnv reads RBC_MCP_LOG_LEVEL and RBC_MCP_LOG_FORMAT.
func FromEnv() Options {
	return Options{
		Level:  os.Getenv("RBC_MCP_LOG_LEVEL"),
		Format: os.Getenv("RBC_MCP_LOG_FORMAT"),
	}
}

// New returns a logger writing to w.
func New(w io.Writer, opts Options) *slog.Logger {
	level := ParseLevel(opts.Level)
	if strings.EqualFold(opts.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	}))
}

// Setup builds the stderr logger from the environment and installs it as the
// slog default.
func Setup() *slog.Logger {
	logger := New(os.Stderr, FromEnv())
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
