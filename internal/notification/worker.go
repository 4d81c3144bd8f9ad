package notification

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/events"
)

// NotificationWorker consumes error events from the event bus and
// surfaces high and critical priority errors as notifications.
type NotificationWorker struct {
	service        *Service
	config         *WorkerConfig
	circuitBreaker *workerCircuitBreaker

	eventsProcessed atomic.Uint64
	eventsDropped   atomic.Uint64
	eventsFailed    atomic.Uint64

	logger *slog.Logger
}

// WorkerConfig holds configuration for the notification worker
type WorkerConfig struct {
	// BatchingEnabled enables batch processing of notifications
	BatchingEnabled bool
	// FailureThreshold opens the breaker after this many consecutive failures
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open
	RecoveryTimeout time.Duration
	// HalfOpenMaxEvents limits events while probing recovery
	HalfOpenMaxEvents int
	// Debug enables debug logging
	Debug bool
}

// DefaultWorkerConfig returns default configuration
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		BatchingEnabled:   false,
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenMaxEvents: 3,
	}
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(service *Service, config *WorkerConfig) (*NotificationWorker, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	if config == nil {
		config = DefaultWorkerConfig()
	}

	return &NotificationWorker{
		service: service,
		config:  config,
		circuitBreaker: &workerCircuitBreaker{
			state:  circuitStateClosed,
			config: config,
		},
		logger: getLoggerSafe("notification-worker"),
	}, nil
}

// Name returns the consumer name
func (w *NotificationWorker) Name() string {
	return "notification-worker"
}

// ProcessEvent processes a single error event
func (w *NotificationWorker) ProcessEvent(event events.ErrorEvent) error {
	if !w.circuitBreaker.Allow() {
		w.eventsDropped.Add(1)
		w.logger.Debug("circuit breaker open, dropping event",
			"component", event.GetComponent(),
			"category", event.GetCategory())
		return nil
	}

	priority := priorityForCategory(event.GetCategory())

	// Only high and critical errors become notifications
	if priority != PriorityHigh && priority != PriorityCritical {
		return nil
	}

	title, message, err := renderEvent(EventSystemError, map[string]string{
		"Category":  event.GetCategory(),
		"Component": event.GetComponent(),
		"Message":   truncateMessage(event.GetMessage(), 500),
	})
	if err != nil {
		w.eventsFailed.Add(1)
		return err
	}

	notif := NewNotification(TypeError, priority, title, message).
		WithComponent(event.GetComponent()).
		WithMetadata(MetadataKeyEvent, EventSystemError).
		WithMetadata("category", event.GetCategory())
	for k, v := range event.GetContext() {
		notif.WithMetadata(k, v)
	}
	if priority != PriorityCritical {
		notif.WithExpiry(24 * time.Hour)
	}

	if err := w.service.Publish(notif); err != nil {
		w.circuitBreaker.RecordFailure()

		// Rate limited notifications are dropped silently, spam is the
		// thing the limit exists to stop
		var enhErr *errors.EnhancedError
		if errors.As(err, &enhErr) && enhErr.GetCategory() == string(errors.CategoryLimit) {
			w.eventsDropped.Add(1)
			return nil
		}

		w.eventsFailed.Add(1)
		w.logger.Error("failed to create notification",
			"error", err,
			"component", event.GetComponent(),
			"category", event.GetCategory())
		return err
	}

	w.eventsProcessed.Add(1)
	w.circuitBreaker.RecordSuccess()
	return nil
}

// ProcessBatch processes multiple events at once
func (w *NotificationWorker) ProcessBatch(errorEvents []events.ErrorEvent) error {
	var lastErr error
	for _, event := range errorEvents {
		if err := w.ProcessEvent(event); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// SupportsBatching returns true if this consumer supports batch processing
func (w *NotificationWorker) SupportsBatching() bool {
	return w.config.BatchingEnabled
}

// priorityForCategory maps an error category to notification priority.
func priorityForCategory(category string) Priority {
	switch category {
	case string(errors.CategorySystem), string(errors.CategoryDatabase),
		string(errors.CategoryModelLoad), string(errors.CategoryModelInit),
		string(errors.CategoryDiskUsage):
		return PriorityCritical
	case string(errors.CategoryTriage), string(errors.CategoryConsensus),
		string(errors.CategoryBatch), string(errors.CategoryInference),
		string(errors.CategoryReport), string(errors.CategoryBackup),
		string(errors.CategoryNetwork), string(errors.CategoryMQTTConn),
		string(errors.CategoryMQTTPublish):
		return PriorityHigh
	case string(errors.CategoryValidation), string(errors.CategoryNotFound):
		return PriorityLow
	default:
		return PriorityMedium
	}
}

func truncateMessage(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// GetStats returns worker statistics
func (w *NotificationWorker) GetStats() WorkerStats {
	return WorkerStats{
		EventsProcessed: w.eventsProcessed.Load(),
		EventsDropped:   w.eventsDropped.Load(),
		EventsFailed:    w.eventsFailed.Load(),
		CircuitState:    w.circuitBreaker.State(),
	}
}

// WorkerStats contains runtime statistics
type WorkerStats struct {
	EventsProcessed uint64
	EventsDropped   uint64
	EventsFailed    uint64
	CircuitState    string
}

// workerCircuitBreaker is a minimal breaker guarding notification
// creation, separate from the per-provider push breakers.
type workerCircuitBreaker struct {
	mu              sync.Mutex
	state           string
	failures        int
	lastFailureTime time.Time
	successCount    int
	config          *WorkerConfig
}

// Allow checks if the circuit allows the operation
func (cb *workerCircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitStateOpen:
		if time.Since(cb.lastFailureTime) > cb.config.RecoveryTimeout {
			cb.state = circuitStateHalfOpen
			cb.successCount = 0
			return true
		}
		return false

	case circuitStateHalfOpen:
		return cb.successCount < cb.config.HalfOpenMaxEvents

	default: // closed
		return true
	}
}

// RecordSuccess records a successful operation
func (cb *workerCircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0

	if cb.state == circuitStateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.config.HalfOpenMaxEvents {
			cb.state = circuitStateClosed
		}
	}
}

// RecordFailure records a failed operation
func (cb *workerCircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	if cb.failures >= cb.config.FailureThreshold || cb.state == circuitStateHalfOpen {
		cb.state = circuitStateOpen
	}
}

// State returns the current circuit breaker state
func (cb *workerCircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
