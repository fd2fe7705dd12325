// Package logging builds the zap loggers used by the CLI and the server.
// Console output is always on; a rotating JSON file can be added with
// NewWithFile.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig describes the optional rotating log file. Sizes follow
// lumberjack: megabytes, with zero meaning its default.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a console logger. development switches to the human-readable
// encoder at debug level; otherwise entries are JSON at info level.
func New(development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger (development=%t): %w", development, err)
	}
	return logger, nil
}

// NewWithFile is New plus, when file.Path is set, a tee into a compressed,
// size-rotated JSON file.
func NewWithFile(development bool, file FileConfig) (*zap.Logger, error) {
	logger, err := New(development)
	if err != nil || file.Path == "" {
		return logger, err
	}
	level := zapcore.InfoLevel
	if development {
		level = zapcore.DebugLevel
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderConfig()),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   true,
		}),
		level,
	)
	return logger.WithOptions(zap.WrapCore(func(console zapcore.Core) zapcore.Core {
		return zapcore.NewTee(console, fileCore)
	})), nil
}

func fileEncoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	return enc
}
