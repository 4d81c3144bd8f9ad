package notification

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chestnet/chestnet-go/internal/events"
)

// ResourceEventWorker consumes resource monitoring events from the
// event bus and turns threshold crossings into system.resource
// notifications, throttled per resource.
type ResourceEventWorker struct {
	service         *Service
	logger          *slog.Logger
	lastAlertTime   map[string]time.Time
	alertThrottle   time.Duration
	mu              sync.Mutex
	processedCount  uint64
	suppressedCount uint64
}

// ResourceWorkerConfig holds configuration for the resource event worker
type ResourceWorkerConfig struct {
	// AlertThrottle is the minimum time between alerts for the same resource
	AlertThrottle time.Duration
}

// DefaultResourceWorkerConfig returns default configuration
func DefaultResourceWorkerConfig() *ResourceWorkerConfig {
	return &ResourceWorkerConfig{
		AlertThrottle: 5 * time.Minute,
	}
}

// NewResourceEventWorker creates a new resource event worker
func NewResourceEventWorker(service *Service, config *ResourceWorkerConfig) (*ResourceEventWorker, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	if config == nil {
		config = DefaultResourceWorkerConfig()
	}

	return &ResourceEventWorker{
		service:       service,
		logger:        getLoggerSafe("notification-resource-worker"),
		lastAlertTime: make(map[string]time.Time),
		alertThrottle: config.AlertThrottle,
	}, nil
}

// Name returns the consumer name
func (w *ResourceEventWorker) Name() string {
	return "notification-resource-worker"
}

// ProcessEvent is a no-op, this worker handles resource events only.
func (w *ResourceEventWorker) ProcessEvent(event events.ErrorEvent) error {
	return nil
}

// ProcessBatch is a no-op, this worker handles resource events only.
func (w *ResourceEventWorker) ProcessBatch(errorEvents []events.ErrorEvent) error {
	return nil
}

// SupportsBatching returns false, resource events are processed individually.
func (w *ResourceEventWorker) SupportsBatching() bool {
	return false
}

// ProcessResourceEvent turns one resource event into a notification.
// Recovery events always pass, alerts are throttled per resource+severity.
func (w *ResourceEventWorker) ProcessResourceEvent(event events.ResourceEvent) error {
	if event == nil {
		return nil
	}

	// Throttle key includes path so each monitored mount alerts independently
	alertKey := fmt.Sprintf("%s-%s", event.GetResourceType(), event.GetSeverity())
	if event.GetResourceType() == events.ResourceDisk && event.GetPath() != "" {
		alertKey = fmt.Sprintf("%s-%s-%s", event.GetResourceType(), event.GetPath(), event.GetSeverity())
	}

	if event.GetSeverity() != events.SeverityRecovery && w.shouldThrottle(alertKey) {
		w.mu.Lock()
		w.suppressedCount++
		w.mu.Unlock()
		w.logger.Debug("suppressing duplicate resource alert",
			"resource_type", event.GetResourceType(),
			"severity", event.GetSeverity())
		return nil
	}
	w.updateLastAlertTime(alertKey)

	resourceName := resourceDisplayName(event.GetResourceType())
	if event.GetResourceType() == events.ResourceDisk && event.GetPath() != "" {
		resourceName = fmt.Sprintf("%s (%s)", resourceName, event.GetPath())
	}

	var notifType Type
	var priority Priority
	switch event.GetSeverity() {
	case events.SeverityRecovery:
		notifType = TypeInfo
		priority = PriorityLow
		if event.GetResourceType() == events.ResourceDisk {
			priority = PriorityMedium
		}
	case events.SeverityWarning:
		notifType = TypeWarning
		priority = PriorityHigh
	case events.SeverityCritical:
		notifType = TypeWarning
		priority = PriorityCritical
	default:
		return nil
	}

	title, message, err := renderEvent(EventSystemResource, map[string]any{
		"Severity":     event.GetSeverity(),
		"ResourceName": resourceName,
		"Message":      event.GetMessage(),
	})
	if err != nil {
		return err
	}

	notif := NewNotification(notifType, priority, title, message).
		WithComponent("system-monitor").
		WithMetadata(MetadataKeyEvent, EventSystemResource).
		WithMetadata("resource_type", event.GetResourceType()).
		WithMetadata("current_value", event.GetCurrentValue()).
		WithMetadata("threshold", event.GetThreshold()).
		WithMetadata("severity", event.GetSeverity())
	for k, v := range event.GetMetadata() {
		notif.WithMetadata(k, v)
	}
	if event.GetPath() != "" {
		notif.WithMetadata("path", event.GetPath())
	}

	// Critical disk alerts linger, everything else expires quickly
	switch {
	case event.GetSeverity() == events.SeverityCritical && event.GetResourceType() == events.ResourceDisk:
		notif.WithExpiry(24 * time.Hour)
	case event.GetSeverity() == events.SeverityRecovery:
		notif.WithExpiry(5 * time.Minute)
	default:
		notif.WithExpiry(30 * time.Minute)
	}

	if err := w.service.Publish(notif); err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}

	w.mu.Lock()
	w.processedCount++
	w.mu.Unlock()

	w.logger.Info("resource alert notification created",
		"resource_type", event.GetResourceType(),
		"severity", event.GetSeverity(),
		"current_value", event.GetCurrentValue(),
		"threshold", event.GetThreshold(),
		"notification_id", notif.ID)

	return nil
}

func (w *ResourceEventWorker) shouldThrottle(alertKey string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	lastTime, exists := w.lastAlertTime[alertKey]
	if !exists {
		return false
	}
	return time.Since(lastTime) < w.alertThrottle
}

func (w *ResourceEventWorker) updateLastAlertTime(alertKey string) {
	w.mu.Lock()
	w.lastAlertTime[alertKey] = time.Now()
	w.mu.Unlock()
}

func resourceDisplayName(resourceType string) string {
	switch resourceType {
	case events.ResourceCPU:
		return "CPU"
	case events.ResourceMemory:
		return "Memory"
	case events.ResourceDisk:
		return "Disk"
	default:
		return resourceType
	}
}

// GetStats returns processed and suppressed event counts.
func (w *ResourceEventWorker) GetStats() (processed, suppressed uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processedCount, w.suppressedCount
}
