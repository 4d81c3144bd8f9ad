// Package datastore provides logging infrastructure for database operations
package datastore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/logging"
)

// DefaultSlowQueryThreshold marks queries slower than this as slow in
// the log. One second keeps migration batch queries out of the noise.
const DefaultSlowQueryThreshold = 1 * time.Second

// Package-level logger for datastore operations
var (
	datastoreLogger   *slog.Logger
	datastoreLevelVar = new(slog.LevelVar)
	loggerCloseFunc   func() error
	loggerOnce        sync.Once
	loggerMu          sync.RWMutex

	// defaultLogPath follows the project-wide convention of writing
	// service logs under logs/.
	defaultLogPath = "logs/datastore.log"
)

// InitializeLogger initializes the datastore logger with the specified
// log file path. Safe to call multiple times, only the first call wins.
func InitializeLogger(logFilePath string) error {
	var initErr error

	loggerOnce.Do(func() {
		if logFilePath == "" {
			logFilePath = defaultLogPath
		}

		datastoreLevelVar.Set(slog.LevelInfo)

		var err error
		loggerMu.Lock()
		datastoreLogger, loggerCloseFunc, err = logging.NewFileLogger(logFilePath, "datastore", datastoreLevelVar)
		if err != nil {
			// Fall back to a discard logger instead of failing startup
			datastoreLogger = slog.New(slog.NewJSONHandler(io.Discard, nil)).With("service", "datastore")
			loggerCloseFunc = func() error { return nil }

			initErr = errors.Newf("datastore: failed to initialize file logger: %v", err).
				Component("datastore").
				Category(errors.CategoryFileIO).
				Context("log_file", logFilePath).
				Context("operation", "logger_initialization").
				Build()
		}
		loggerMu.Unlock()
	})

	return initErr
}

// getLogger returns the logger, initializing it with the default path
// if needed.
func getLogger() *slog.Logger {
	loggerMu.RLock()
	if datastoreLogger != nil {
		defer loggerMu.RUnlock()
		return datastoreLogger
	}
	loggerMu.RUnlock()

	_ = InitializeLogger(defaultLogPath)

	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return datastoreLogger
}

// CloseLogger closes the datastore log file.
func CloseLogger() error {
	if loggerCloseFunc != nil {
		return loggerCloseFunc()
	}
	return nil
}

// SetLogLevel sets the log level for the datastore logger.
func SetLogLevel(level slog.Level) {
	datastoreLevelVar.Set(level)
}

// createGormLogger configures the GORM logger used by both dialects.
func createGormLogger() gormlogger.Interface {
	return NewGormLogger(DefaultSlowQueryThreshold, gormlogger.Warn)
}

// GormLogger implements GORM's logger interface with structured logging
// and Prometheus metrics.
type GormLogger struct {
	SlowThreshold time.Duration
	LogLevel      gormlogger.LogLevel
}

// NewGormLogger creates a new GORM logger instance.
func NewGormLogger(slowThreshold time.Duration, logLevel gormlogger.LogLevel) *GormLogger {
	return &GormLogger{
		SlowThreshold: slowThreshold,
		LogLevel:      logLevel,
	}
}

// LogMode implements gormlogger.Interface.
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

// Info implements gormlogger.Interface.
func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Info {
		getLogger().InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Warn implements gormlogger.Interface.
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Warn {
		getLogger().WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Error implements gormlogger.Interface.
func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Error {
		getLogger().ErrorContext(ctx, "GORM error",
			"msg", fmt.Sprintf(msg, data...))

		if m := getMetrics(); m != nil {
			m.RecordDbOperationError("gorm_internal", "unknown", "gorm_error")
		}
	}
}

// Trace implements gormlogger.Interface. It logs failed and slow
// queries and feeds the per-operation metrics.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	operation, table := parseSQLOperation(sql)

	m := getMetrics()
	if m != nil {
		m.RecordDbOperationDuration(operation, table, elapsed.Seconds())
		m.RecordQueryResultSize(operation, table, int(rows))
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		enhancedErr := errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "sql_query").
			Context("duration_ms", elapsed.Milliseconds()).
			Context("original_error_type", fmt.Sprintf("%T", err)).
			Build()

		getLogger().ErrorContext(ctx, "Database query failed",
			"error", enhancedErr,
			"sql", sql,
			"duration", elapsed,
			"rows_affected", rows)

		if m != nil {
			m.RecordDbOperation(operation, table, "error")
			m.RecordDbOperationError(operation, table, categorizeError(err))
		}

	case elapsed > l.SlowThreshold && l.SlowThreshold != 0:
		getLogger().WarnContext(ctx, "Slow query detected",
			"sql", sql,
			"duration", elapsed,
			"rows_affected", rows,
			"threshold", l.SlowThreshold)

		if m != nil {
			m.RecordDbOperation(operation, table, "success")
		}

	case l.LogLevel >= gormlogger.Info:
		getLogger().DebugContext(ctx, "Query executed",
			"sql", sql,
			"duration", elapsed,
			"rows_affected", rows)

		if m != nil {
			m.RecordDbOperation(operation, table, "success")
		}
	}
}
