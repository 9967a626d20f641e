package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	logger      *slog.Logger
	capture     *Channel
	captureOnce sync.Once
)

func init() {
	// Default to INFO level
	InitLogger("info")
}

// LevelVerbose sits below slog's debug level and is only interesting for log capture.
const LevelVerbose = slog.LevelDebug - 4

// ParseLevel maps a level name to its slog level, defaulting to info for unknown names.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "verbose", "trace":
		return LevelVerbose
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelName is the inverse of ParseLevel, used in exported log entries.
func LevelName(level slog.Level) string {
	switch {
	case level < slog.LevelDebug:
		return "VERBOSE"
	case level < slog.LevelInfo:
		return "DEBUG"
	case level < slog.LevelWarn:
		return "INFO"
	case level < slog.LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// InitLogger initializes the global logger with the specified level.
// Every record also passes through the process-wide capture channel.
func InitLogger(level string) {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	logger = slog.New(NewCaptureHandler(handler, Capture()))
	slog.SetDefault(logger)
}

// GetLogger returns the global logger instance
func GetLogger() *slog.Logger {
	return logger
}

// Capture returns the process-wide log capture channel. It is created once and
// starts out disabled.
func Capture() *Channel {
	captureOnce.Do(func() {
		capture = NewChannel()
	})
	return capture
}
