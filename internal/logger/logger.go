// Package logger builds the structured logger used by the server, relay and CLI.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the level and the service attribute of a logger.
type Options struct {
	Level   string
	Service string
	// Output defaults to stderr so command output on stdout stays parseable.
	Output io.Writer
}

// New creates a JSON *slog.Logger with a "service" attribute on every record.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	service := opts.Service
	if service == "" {
		service = "escrowline"
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: parseLevel(opts.Level),
	})
	return slog.New(handler).With("service", service)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
