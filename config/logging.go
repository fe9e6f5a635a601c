package config

import (
	"fmt"
	"os"
	"strings"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format string `yaml:"logFormat" env:"LOG_FORMAT" env-default:"console"`
	Level  string `yaml:"logLevel" env:"LOG_LEVEL" env-default:"info"`
}

var validLogLevels = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// ValidateLogging normalizes and validates logging configuration
func ValidateLogging(cfg *LoggingConfig) error {
	cfg.Format = strings.ToLower(cfg.Format)
	if cfg.Format != "json" && cfg.Format != "console" && cfg.Format != "logfmt" {
		return fmt.Errorf("logFormat must be 'json', 'console', or 'logfmt', got '%s'", cfg.Format)
	}

	cfg.Level = strings.ToLower(cfg.Level)
	if _, ok := validLogLevels[cfg.Level]; !ok {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error, got '%s'", cfg.Level)
	}

	return nil
}

// NewLogger creates a zap logger based on the logging configuration
func NewLogger(cfg *LoggingConfig) (*zap.Logger, error) {
	level, ok := validLogLevels[strings.ToLower(cfg.Level)]
	if !ok {
		level = zapcore.InfoLevel
	}

	if cfg.Format == "logfmt" {
		encoderConfig := zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}

		// Logs go to stderr; stdout carries the reading lines
		core := zapcore.NewCore(
			zaplogfmt.NewEncoder(encoderConfig),
			zapcore.AddSync(os.Stderr),
			level,
		)

		return zap.New(core), nil
	}

	var zapConfig zap.Config
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.OutputPaths = []string{"stderr"}

	return zapConfig.Build()
}
