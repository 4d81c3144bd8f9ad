package telemetry

import (
	"io"
	"log"
	"log/slog"
	"path/filepath"

	"github.com/chestnet/chestnet-go/internal/logging"
)

// Package-level logger specific to the telemetry service
var (
	serviceLogger   *slog.Logger
	serviceLevelVar = new(slog.LevelVar) // Dynamic level control
	closeLogger     func() error
)

func init() {
	var err error
	logFilePath := filepath.Join("logs", "telemetry.log")
	serviceLevelVar.Set(slog.LevelInfo)

	serviceLogger, closeLogger, err = logging.NewFileLogger(logFilePath, "telemetry", serviceLevelVar)
	if err != nil {
		log.Printf("Failed to initialize telemetry file logger at %s: %v. Service logging disabled.", logFilePath, err)
		fbHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
		serviceLogger = slog.New(fbHandler).With("service", "telemetry")
		closeLogger = func() error { return nil }
	}
}

// getLoggerSafe returns a logger for the service, falling back to default if logging not initialized
func getLoggerSafe(service string) *slog.Logger {
	logger := logging.ForService(service)
	if logger == nil {
		logger = slog.Default().With("service", service)
	}
	return logger
}

// CloseServiceLogger closes the telemetry service log file.
func CloseServiceLogger() error {
	if closeLogger != nil {
		return closeLogger()
	}
	return nil
}

// logTelemetryInfo logs a message to the telemetry service logger if available,
// otherwise falls back to the provided fallback logger.
// If fallbackLogger is nil, the message is only logged if serviceLogger is available.
func logTelemetryInfo(fallbackLogger *slog.Logger, message string, keysAndValues ...any) {
	if serviceLogger != nil {
		serviceLogger.Info(message, keysAndValues...)
	} else if fallbackLogger != nil {
		fallbackLogger.Info(message, keysAndValues...)
	}
}

// logTelemetryDebug logs a debug message to the telemetry service logger if available,
// otherwise falls back to the provided fallback logger.
func logTelemetryDebug(fallbackLogger *slog.Logger, message string, keysAndValues ...any) {
	if serviceLogger != nil {
		serviceLogger.Debug(message, keysAndValues...)
	} else if fallbackLogger != nil {
		fallbackLogger.Debug(message, keysAndValues...)
	}
}

// logTelemetryWarn logs a warning message to the telemetry service logger if available,
// otherwise falls back to the provided fallback logger.
func logTelemetryWarn(fallbackLogger *slog.Logger, message string, keysAndValues ...any) {
	if serviceLogger != nil {
		serviceLogger.Warn(message, keysAndValues...)
	} else if fallbackLogger != nil {
		fallbackLogger.Warn(message, keysAndValues...)
	}
}

// logTelemetryError logs an error message to the telemetry service logger if available,
// otherwise falls back to the provided fallback logger.
func logTelemetryError(fallbackLogger *slog.Logger, message string, keysAndValues ...any) {
	if serviceLogger != nil {
		serviceLogger.Error(message, keysAndValues...)
	} else if fallbackLogger != nil {
		fallbackLogger.Error(message, keysAndValues...)
	}
}
