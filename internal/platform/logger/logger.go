package logger

import (
	"log/slog"
	"os"
)

// New returns the process-wide structured logger. JSON output so an external
// supervisor can ship it somewhere useful.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
