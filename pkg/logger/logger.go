package logger

import (
	"log/slog"
	"os"
)

// Setup builds the process-wide logger. Text output for local runs; swap
// for slog.NewJSONHandler when shipping to a log collector.
func Setup(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
