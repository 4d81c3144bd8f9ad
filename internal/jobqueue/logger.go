package jobqueue

import (
	"log/slog"

	"github.com/chestnet/chestnet-go/internal/logging"
)

var logger = logging.ForService("jobqueue")

// GetLogger returns the package logger, allowing callers to attach
// additional context before logging queue-related events.
func GetLogger() *slog.Logger {
	return logger
}
