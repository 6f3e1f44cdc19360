// Package logging constructs the slog.Logger the rest of the proxy uses,
// grounded on nishisan-dev-n-backup/internal/logging's level-parsing and
// JSON/text handler switch.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelIO sits between Debug and Info and is used for per-frame,
// per-readiness-event tracing: noisier than Info, quieter than Debug's
// internal-state dumps.
const LevelIO = slog.LevelDebug + 2

// New builds a logger writing to stdout in the given format ("json" or
// "text") at the given level ("debug", "io", "info", "warn", "error").
func New(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: replaceLevelName,
	}

	var w io.Writer = os.Stdout
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "io":
		return LevelIO
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func replaceLevelName(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelIO {
			a.Value = slog.StringValue("IO")
		}
	}
	return a
}
