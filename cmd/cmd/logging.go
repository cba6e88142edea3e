package cmd

import (
	"log/slog"
	"os"
	"strings"

	"boorukeep/internal/config"
)

// defaultSlogHandler builds the stdout JSON handler the process logger is
// initialized with, honoring config.Logging.Level the way internal/logger's
// own Init sets debug level by default.
func defaultSlogHandler(cfg *config.Config) slog.Handler {
	return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelFor(cfg.Logging.Level)})
}

func levelFor(level string) slog.Level {
	switch strings.ToLower(level) {
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
