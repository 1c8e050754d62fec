package logger

import (
	"log/slog"
	"os"
)

// New returns the dashboard's structured logger: JSON lines on stdout,
// tagged with the emitting service so farm-wide log collection can tell the
// dashboard apart from environment containers.
func New(service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}
