package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the daemon logger. The returned level can be changed at
// runtime, e.g. when a rollback re-applies an older log.level.
func NewLogger(c LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, zc.Level, nil
}

// SetLevel updates level from c, ignoring unparsable values
func SetLevel(level zap.AtomicLevel, c LogConfig) bool {
	l, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return false
	}
	level.SetLevel(l)
	return true
}
