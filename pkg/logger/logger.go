package logger

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a JSON slog.Logger configured for the given service name.
func New(service string, level slog.Level) *slog.Logger {
	return newWith(os.Stdout, service, level)
}

// NewRotating returns a JSON slog.Logger writing to a size-rotated file.
// An empty path falls back to stdout.
func NewRotating(service, path string, level slog.Level) *slog.Logger {
	if path == "" {
		return New(service, level)
	}
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	return newWith(sink, service, level)
}

func newWith(w io.Writer, service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}
