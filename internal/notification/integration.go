package notification

import (
	"fmt"

	"github.com/chestnet/chestnet-go/internal/events"
)

var (
	errorWorker    *NotificationWorker
	resourceWorker *ResourceEventWorker
)

// InitializeEventBusIntegration registers the notification workers as
// event bus consumers. Call after both the notification service and
// the event bus are initialized.
func InitializeEventBusIntegration() error {
	log := getLoggerSafe("notification-integration")

	if !IsInitialized() {
		log.Warn("notification service not initialized, skipping event bus integration")
		return nil
	}
	if !events.IsInitialized() {
		log.Warn("event bus not initialized, skipping notification integration")
		return nil
	}

	service := GetService()
	eventBus := events.GetEventBus()
	if service == nil || eventBus == nil {
		return fmt.Errorf("notification service or event bus is nil")
	}

	config := DefaultWorkerConfig()
	if service.config != nil {
		config.Debug = service.config.Debug
	}
	worker, err := NewNotificationWorker(service, config)
	if err != nil {
		return fmt.Errorf("failed to create notification worker: %w", err)
	}
	if err := eventBus.RegisterConsumer(worker); err != nil {
		return fmt.Errorf("failed to register notification worker: %w", err)
	}
	errorWorker = worker

	rw, err := NewResourceEventWorker(service, nil)
	if err != nil {
		return fmt.Errorf("failed to create resource event worker: %w", err)
	}
	if err := eventBus.RegisterConsumer(rw); err != nil {
		return fmt.Errorf("failed to register resource event worker: %w", err)
	}
	resourceWorker = rw

	log.Info("notification workers registered with event bus",
		"circuit_breaker_threshold", config.FailureThreshold)
	return nil
}

// GetWorkerStats returns notification worker statistics.
func GetWorkerStats() *WorkerStats {
	if errorWorker == nil {
		return nil
	}
	stats := errorWorker.GetStats()
	return &stats
}
