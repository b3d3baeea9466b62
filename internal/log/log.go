// Package log builds the zap loggers shared by the binaries.
package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a sugared logger tagged with the service name. Debug switches to the development
// encoder and debug level.
func New(service string, debug bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("can't initialize zap logger: %w", err)
	}
	return logger.Sugar().With("service", service), nil
}

// Sync flushes buffered entries, ignoring the error stdout and stderr return on some platforms.
func Sync(logger *zap.SugaredLogger) {
	_ = logger.Sync()
}
