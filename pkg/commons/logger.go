// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package commons

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging surface shared by every component. It wraps a
// sugared zap logger so call sites can use printf-style (Infof), structured
// key/value style (Infow), or message-plus-pairs style (Info) without
// importing zap directly.
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})

	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})

	// Benchmark records the elapsed time of a named operation at debug
	// level. Used on hot paths guarded by level checks inside zap.
	Benchmark(operation string, elapsed time.Duration)

	// With returns a child logger with the given key/value pairs attached
	// to every record.
	With(keysAndValues ...interface{}) Logger

	Sync() error
}

type applicationLogger struct {
	sugar *zap.SugaredLogger
}

// LoggerOption configures NewApplicationLogger.
type LoggerOption func(*loggerConfig)

type loggerConfig struct {
	level       string
	development bool
	filePath    string
	maxSizeMB   int
	maxBackups  int
	maxAgeDays  int
}

// WithLogLevel sets the minimum level (debug, info, warn, error).
func WithLogLevel(level string) LoggerOption {
	return func(c *loggerConfig) { c.level = level }
}

// WithDevelopment switches to the console encoder with colored levels.
// Production (default) uses the JSON encoder.
func WithDevelopment(dev bool) LoggerOption {
	return func(c *loggerConfig) { c.development = dev }
}

// WithLogFile mirrors records to a rotating file (lumberjack). An empty
// path keeps stderr-only output.
func WithLogFile(path string) LoggerOption {
	return func(c *loggerConfig) { c.filePath = path }
}

// NewApplicationLogger builds the process-wide Logger. The zero-option call
// yields an info-level JSON logger on stderr.
func NewApplicationLogger(opts ...LoggerOption) (Logger, error) {
	cfg := loggerConfig{
		level:      "info",
		maxSizeMB:  100,
		maxBackups: 5,
		maxAgeDays: 28,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.level)); err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if cfg.development {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	core := zapcore.NewCore(encoder, sink, level)
	if cfg.filePath != "" {
		fileSink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.filePath,
			MaxSize:    cfg.maxSizeMB,
			MaxBackups: cfg.maxBackups,
			MaxAge:     cfg.maxAgeDays,
			Compress:   true,
		})
		core = zapcore.NewTee(core, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), fileSink, level))
	}

	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &applicationLogger{sugar: logger.Sugar()}, nil
}

// NewNoOpLogger returns a Logger that discards everything. Used by tests
// that only need to satisfy constructor signatures.
func NewNoOpLogger() Logger {
	return &applicationLogger{sugar: zap.NewNop().Sugar()}
}

func (l *applicationLogger) Debugf(template string, args ...interface{}) {
	l.sugar.Debugf(template, args...)
}

func (l *applicationLogger) Infof(template string, args ...interface{}) {
	l.sugar.Infof(template, args...)
}

func (l *applicationLogger) Warnf(template string, args ...interface{}) {
	l.sugar.Warnf(template, args...)
}

func (l *applicationLogger) Errorf(template string, args ...interface{}) {
	l.sugar.Errorf(template, args...)
}

func (l *applicationLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *applicationLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *applicationLogger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *applicationLogger) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *applicationLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *applicationLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *applicationLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *applicationLogger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *applicationLogger) Benchmark(operation string, elapsed time.Duration) {
	l.sugar.Debugw("benchmark", "operation", operation, "elapsed_ms", elapsed.Milliseconds())
}

func (l *applicationLogger) With(keysAndValues ...interface{}) Logger {
	return &applicationLogger{sugar: l.sugar.With(keysAndValues...)}
}

func (l *applicationLogger) Sync() error {
	return l.sugar.Sync()
}
