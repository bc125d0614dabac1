// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Logs always go to stderr because stdout carries the
// sandbox log records.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/sandboxctl/config"
)

// Field keys shared by every component that logs about a sandbox.
const (
	KeySandboxID   = "sandbox_id"
	KeySandboxName = "sandbox_name"
)

func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level)
}

// New creates a new logger instance based on configuration
func New(mode, level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		// A lifecycle run logs a handful of lines; never drop any of them.
		cfg.Sampling = nil
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	// Set the log level
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build(zap.Fields(zap.String("app", "sandboxctl")))
}

// ForSandbox returns a child logger annotated with the sandbox identity
func ForSandbox(logger *zap.Logger, id, name string) *zap.Logger {
	return logger.With(zap.String(KeySandboxID, id), zap.String(KeySandboxName, name))
}
