// Package rlog builds the structured logger the engine context carries.
// Each abi.Context builds its own *zap.Logger rather than reaching for a
// package-level global, so that distinct engine contexts never share log
// state; packages below internal/abi do not log.
package rlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style JSON logger. debug=true switches to a
// human-readable console encoder with debug-level verbosity, matching the
// dev/prod split erigon and codenerd both apply to their zap construction.
func New(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "" // no wall-clock in structured fields that could leak into digests
	logger, err := cfg.Build()
	if err != nil {
		// Logging must never prevent startup; fall back to a no-op logger.
		return zap.NewNop()
	}
	return logger
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger { return zap.NewNop() }

// Stderr builds a logger writing JSON lines to stderr, leaving stdout free
// for ABI call results.
func Stderr(debug bool) *zap.Logger {
	l := New(debug)
	return l.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		level := zapcore.InfoLevel
		if debug {
			level = zapcore.DebugLevel
		}
		return zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(os.Stderr)), level)
	}))
}
