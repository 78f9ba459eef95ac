// Package logging configures the process-wide slog logger and bridges it to
// the watermill LoggerAdapter required by the kafka engine.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
)

// ParseLevel maps the --log-level flag values onto slog levels. "trace" has
// no slog equivalent and maps to debug.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "info", "":
		return slog.LevelInfo, nil
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
}

// New builds a text-handler logger writing to stderr so CSV snapshots on
// stdout stay machine-readable.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

var levelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// WatermillAdapter wraps a slog.Logger for watermill-backed adapters.
func WatermillAdapter(log *slog.Logger) watermill.LoggerAdapter {
	if log == nil {
		panic("logging: slog logger cannot be nil")
	}
	return watermill.NewSlogLoggerWithLevelMapping(log, levelMapping)
}
