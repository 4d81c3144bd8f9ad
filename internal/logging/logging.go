// Package logging configures the application wide log/slog loggers: a structured
// JSON logger for machine consumption, a human readable text logger, and rotating
// per-service file loggers.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chestnet/chestnet-go/internal/conf"
	"gopkg.in/natefinch/lumberjack.v2"
)

var structuredLogger *slog.Logger
var humanReadableLogger *slog.Logger

// Custom levels on top of slog's built-ins.
const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

// handlerOptions returns slog handler options with custom level names applied.
func handlerOptions(level slog.Leveler) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				level := a.Value.Any().(slog.Level)
				label, ok := levelNames[level]
				if !ok {
					label = level.String()
				}
				a.Value = slog.StringValue(label)
			}
			return a
		},
	}
}

// Init initializes the logging system: JSON to stdout for structured logs,
// text to stderr for operators. Call once at startup before any component
// requests a service logger.
func Init() {
	structuredLogger = slog.New(slog.NewJSONHandler(os.Stdout, handlerOptions(slog.LevelDebug)))
	humanReadableLogger = slog.New(slog.NewTextHandler(os.Stderr, handlerOptions(slog.LevelInfo)))
	slog.SetDefault(structuredLogger)
}

// Structured returns the global structured (JSON) logger, nil before Init.
func Structured() *slog.Logger {
	return structuredLogger
}

// HumanReadable returns the global human-readable (text) logger, nil before Init.
func HumanReadable() *slog.Logger {
	return humanReadableLogger
}

// ForService returns a child of the structured logger with the 'service'
// attribute set. Returns nil before Init; callers fall back to slog.Default.
func ForService(serviceName string) *slog.Logger {
	if structuredLogger == nil {
		return nil
	}
	return structuredLogger.With("service", serviceName)
}

// Convenience functions using the default logger.

func Debug(msg string, args ...any) { slog.Debug(msg, args...) }
func Info(msg string, args ...any)  { slog.Info(msg, args...) }
func Warn(msg string, args ...any)  { slog.Warn(msg, args...) }
func Error(msg string, args ...any) { slog.Error(msg, args...) }

// Fatal logs at the custom FATAL level and exits.
func Fatal(msg string, args ...any) {
	slog.Log(context.TODO(), LevelFatal, msg, args...)
	os.Exit(1)
}

// Trace logs at the custom TRACE level.
func Trace(msg string, args ...any) {
	slog.Log(context.TODO(), LevelTrace, msg, args...)
}

// NewFileLogger creates a slog.Logger writing JSON to filePath with rotation
// driven by the main log settings. Every record carries the 'service'
// attribute. The returned close function releases the underlying writer.
func NewFileLogger(filePath, serviceName string, level slog.Leveler) (*slog.Logger, func() error, error) {
	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	logWriter := &lumberjack.Logger{
		Filename: filePath,
		Compress: false,
	}

	// Rotation defaults, overridden by config below.
	maxSizeMB := 100
	maxBackups := 3
	maxAge := 28 // days

	mainLogConf := conf.Setting().Main.Log
	if sizeMB := int(mainLogConf.MaxSize / (1024 * 1024)); sizeMB > 0 {
		maxSizeMB = sizeMB
	}
	switch mainLogConf.Rotation {
	case conf.RotationDaily:
		maxAge = 1
		maxBackups = 30
	case conf.RotationWeekly:
		maxAge = 7
		maxBackups = 4
	case conf.RotationSize:
		// size-based rotation keeps the defaults derived above
	default:
		slog.Warn("Unknown log rotation type in config, using size-based defaults", "configuredType", mainLogConf.Rotation)
	}

	logWriter.MaxSize = maxSizeMB
	logWriter.MaxBackups = maxBackups
	logWriter.MaxAge = maxAge

	fileHandler := slog.NewJSONHandler(logWriter, handlerOptions(level))
	logger := slog.New(fileHandler).With("service", serviceName)

	return logger, logWriter.Close, nil
}
