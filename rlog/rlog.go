// Package rlog provides injectable logger construction for the demo
// binaries. There is no package level mutable logger here; the reactor,
// workerpool and bufproto constructors take a *zap.Logger explicitly and do
// not import this package.
package rlog

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style zap.Logger with an RFC3339 time encoder and
// colored level names, matching the house style used by the mock-redis
// server this library was lifted from.
func New() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// OrNop returns l if non-nil, otherwise a no-op logger, so a logger argument
// can be optional without a package-level default.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
