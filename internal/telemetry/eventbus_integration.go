package telemetry

import (
	"fmt"
	"time"

	"log/slog"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/events"
)

var (
	// telemetryWorker is the singleton telemetry worker
	telemetryWorker *TelemetryWorker
	logger          *slog.Logger
)

func init() {
	logger = getLoggerSafe("telemetry-integration")
}

// InitializeEventBusIntegration sets up the telemetry worker as an event consumer.
// This should be called after both Sentry and the event bus are initialized.
func InitializeEventBusIntegration() error {
	// Check if Sentry is enabled
	settings := conf.GetSettings()
	if settings == nil || !settings.Sentry.Enabled {
		logger.Info("Sentry telemetry disabled, skipping event bus integration")
		return nil
	}

	// Check if event bus is initialized
	if !events.IsInitialized() {
		logger.Warn("event bus not initialized, skipping telemetry integration")
		return nil
	}

	worker, err := NewTelemetryWorker(true, DefaultWorkerConfig())
	if err != nil {
		return fmt.Errorf("failed to create telemetry worker: %w", err)
	}

	eventBus := events.GetEventBus()
	if eventBus == nil {
		return fmt.Errorf("event bus is nil")
	}

	// Register the worker as a consumer
	if err := eventBus.RegisterConsumer(worker); err != nil {
		return fmt.Errorf("failed to register telemetry worker: %w", err)
	}

	// Store reference for stats/monitoring
	telemetryWorker = worker

	logger.Info("telemetry worker registered with event bus",
		"batching_enabled", worker.SupportsBatching(),
		"rate_limit", worker.config.RateLimitMaxEvents,
	)

	return nil
}

// GetTelemetryWorker returns the telemetry worker instance
func GetTelemetryWorker() *TelemetryWorker {
	return telemetryWorker
}

// GetWorkerStats returns telemetry worker statistics
func GetWorkerStats() *WorkerStats {
	if telemetryWorker == nil {
		return nil
	}
	stats := telemetryWorker.GetStats()
	return &stats
}

// UpdateSamplingRate allows dynamic adjustment of the sampling rate
func UpdateSamplingRate(rate float64) error {
	if telemetryWorker == nil {
		return fmt.Errorf("telemetry worker not initialized")
	}

	if rate < 0.0 || rate > 1.0 {
		return fmt.Errorf("sampling rate must be between 0.0 and 1.0")
	}

	telemetryWorker.SetSamplingRate(rate)
	logger.Info("updated telemetry sampling rate", "rate", rate)

	return nil
}

// InitializeSystemID loads or creates the anonymous system identifier and
// stores it on the settings for use in telemetry scope configuration.
func InitializeSystemID(settings *conf.Settings) error {
	configPaths, err := conf.GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("failed to resolve config paths: %w", err)
	}

	systemID, err := LoadOrCreateSystemID(configPaths[0])
	if err != nil {
		return err
	}

	settings.SystemID = systemID
	return nil
}

// FlushOnShutdown flushes pending telemetry with a bounded wait.
func FlushOnShutdown() {
	Flush(3 * time.Second)
}
