// Package logger provides the process-wide structured logger. Handlers can
// be layered on top via InitWithHandler so the admin ring buffer (see
// internal/monitorlog) observes every log line without owning logging
// itself.
package logger

import (
	"log/slog"
	"os"
	"sync"
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
)

// Init initializes the default logger with a JSON handler writing to
// os.Stdout at debug level. It ensures the logger is initialized only once.
func Init() {
	once.Do(func() {
		defaultLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		slog.SetDefault(defaultLogger)
		defaultLogger.Info("logger initialized")
	})
}

// InitWithHandler installs a caller-supplied handler (e.g. one that tees
// into the monitor ring buffer) as the default logger. Must be called
// before the first Get/Info/Warn/Error/Debug call to take effect.
func InitWithHandler(h slog.Handler) {
	once.Do(func() {
		defaultLogger = slog.New(h)
		slog.SetDefault(defaultLogger)
		defaultLogger.Info("logger initialized")
	})
}

// Get returns the initialized default logger, initializing it with the
// stdout JSON handler if nothing has set one up yet.
func Get() *slog.Logger {
	Init()
	return defaultLogger
}

// Info logs an informational message using the default logger.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Warn logs a warning message using the default logger.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs an error message using the default logger.
func Error(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error())
	}
	Get().Error(msg, args...)
}

// Debug logs a debug message using the default logger.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}
