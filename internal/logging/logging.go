// Package logging builds the process logger shared by the cmd entrypoints.
package logging

import (
	"io"
	"log/slog"
	"os"

	"qsldigest/internal/types"
)

// New creates a JSON slog.Logger on stdout at the given level.
func New(level string, attrs ...any) *slog.Logger {
	return NewWithWriter(os.Stdout, level, attrs...)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, attrs ...any) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	logger := slog.New(handler)
	if len(attrs) > 0 {
		logger = logger.With(attrs...)
	}
	return logger
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Adapter wraps *slog.Logger to implement types.Logger.
type Adapter struct {
	logger *slog.Logger
}

// NewAdapter returns a types.Logger backed by logger.
func NewAdapter(logger *slog.Logger) *Adapter {
	return &Adapter{logger: logger}
}

func (a *Adapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *Adapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *Adapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *Adapter) With(args ...any) types.Logger {
	return &Adapter{logger: a.logger.With(args...)}
}

// Nop discards everything. Useful as a default when no logger is injected.
type Nop struct{}

func (Nop) Info(string, ...any)        {}
func (Nop) Error(string, ...any)       {}
func (Nop) Warn(string, ...any)        {}
func (n Nop) With(...any) types.Logger { return n }
