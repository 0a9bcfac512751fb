package logging

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides structured logging for the worker
type Logger struct {
	prefix string
	sugar  *zap.SugaredLogger
}

var (
	baseMu sync.RWMutex
	base   = mustBuild("info", "console")
)

// Configure rebuilds the process-wide zap logger. Loggers created before the
// call keep their old sink; call it once at startup before NewLogger.
func Configure(level, format string) error {
	return ConfigureOutput(level, format, "stdout")
}

// ConfigureOutput is Configure with an explicit zap sink ("stdout", "stderr" or a path)
func ConfigureOutput(level, format, output string) error {
	z, err := build(level, format, output)
	if err != nil {
		return err
	}
	baseMu.Lock()
	base = z
	baseMu.Unlock()
	return nil
}

// Sync flushes the process-wide logger
func Sync() {
	baseMu.RLock()
	defer baseMu.RUnlock()
	_ = base.Sync()
}

// NewLogger creates a new logger with a prefix
func NewLogger(prefix string) *Logger {
	baseMu.RLock()
	z := base
	baseMu.RUnlock()
	return FromZap(z, prefix)
}

// FromZap wraps an existing zap logger, used by tests with zaptest.NewLogger.
func FromZap(z *zap.Logger, prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		sugar:  z.Named(prefix).Sugar(),
	}
}

// Named returns a child logger with prefix appended, e.g. "Pipeline.LLM".
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		prefix: l.prefix + "." + name,
		sugar:  l.sugar.Named(name),
	}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func mustBuild(level, format string) *zap.Logger {
	z, err := build(level, format, "stdout")
	if err != nil {
		return zap.NewNop()
	}
	return z
}

func build(level, format, output string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoding := "console"
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	if strings.ToLower(format) == "json" {
		encoding = "json"
		encoderCfg = zap.NewProductionEncoderConfig()
	}
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}
