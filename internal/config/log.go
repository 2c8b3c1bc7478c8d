package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the process logger from the logging section.
// Until it is called, Log and Logger discard everything.
func (c *Config) InitLogger() error {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zc.Build()
	if err != nil {
		return err
	}
	c.logger = logger.Sugar()
	return nil
}

// SetLogger installs an existing logger, e.g. zaptest's in tests.
func (c *Config) SetLogger(logger *zap.Logger) {
	c.logger = logger.Sugar()
}

// Logger returns the structured logger.
func (c *Config) Logger() *zap.Logger {
	if c.logger == nil {
		return zap.NewNop()
	}
	return c.logger.Desugar()
}

// Log writes a message if level is within the configured verbosity.
// Level 0 is always written; 1 connections, 2 messages, 3 payloads.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if c.logger == nil || level > c.Logging.Verbosity {
		return
	}
	c.logger.Infof(format, args...)
}

// Sync flushes buffered log entries.
func (c *Config) Sync() {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}
