// Package log builds the structured logger used across the client.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a text-format [slog.Logger] writing to stderr. Level is one of
// debug, info, warn, error (case-insensitive); anything else means info.
// Logs go to stderr so command output such as journal listings stays pipeable.
func New(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
