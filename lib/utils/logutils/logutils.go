// Package logutils provides small helpers over log/slog shared by every
// package in the module.
package logutils

import (
	"context"
	"log/slog"
)

// NewPackageLogger creates a logger for a package, pre-populated with the
// given key value pairs. The conventional first pair is
// (baileysstore.ComponentKey, baileysstore.Component...).
func NewPackageLogger(keysAndValues ...any) *slog.Logger {
	return slog.With(keysAndValues...)
}

// DiscardLogger returns a logger that drops every record. Used in tests and
// as the fallback when a Config carries no logger.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// DebugEnabled reports whether the logger would emit at debug level. Callers
// use it to skip building expensive attribute sets.
func DebugEnabled(ctx context.Context, logger *slog.Logger) bool {
	return logger.Enabled(ctx, slog.LevelDebug)
}
