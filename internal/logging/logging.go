// Package logging provides structured logging helpers for fileindex components.
//
// Loggers are dependency-injected, never global:
//   - Each component receives a *slog.Logger and scopes it once at
//     construction with slog.With("component", ...)
//   - A nil logger means "discard"
//   - Only cmd/fbindex configures handlers, levels and output format
//
// Log points are lifecycle boundaries: open/close, compaction, rebuild,
// pack attach/detach, watcher start/stop. Nothing is logged from the
// per-key merge loop, enumerator lookups or container decoding.
package logging

import (
	"context"
	"log/slog"
	"strings"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise a discard logger.
//
//	func Open(dir string, opts Options) (*Map, error) {
//	    logger := logging.Default(opts.Logger).With("component", "pmap")
//	    ...
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ParseLevel maps a level name (debug, info, warn, error) to a slog.Level.
// Unknown names fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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
