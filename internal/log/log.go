// Package log centralizes zap logger construction so every component
// receives a logger the same way the teacher repo wires zap: a
// *zap.Logger with a no-op default, overridable per component.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Nop returns a logger that discards everything, used as the zero-value
// default for components constructed without an explicit WithLogger option.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// New builds a production JSON logger at the given level name
// ("debug", "info", "warn", "error").
func New(level string) (*zap.Logger, error) {
	var zlvl zapcore.Level
	if err := zlvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zlvl)
	return cfg.Build()
}

// Named returns a child logger scoped to the given component name, the
// pattern used throughout the teacher repo to distinguish subsystem output.
func Named(base *zap.Logger, name string) *zap.Logger {
	if base == nil {
		base = Nop()
	}
	return base.Named(name)
}
