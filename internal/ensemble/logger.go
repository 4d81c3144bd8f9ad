// Package ensemble provides logging for the ensemble package.
package ensemble

import (
	"log/slog"
	"sync"

	"github.com/chestnet/chestnet-go/internal/logging"
)

var (
	serviceLogger *slog.Logger
	initOnce      sync.Once
)

// GetLogger returns the package logger scoped to the ensemble service.
// Uses sync.Once to ensure the logger is only initialized once.
func GetLogger() *slog.Logger {
	initOnce.Do(func() {
		serviceLogger = logging.ForService("ensemble")
	})
	return serviceLogger
}
