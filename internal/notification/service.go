package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/errors"
)

// Subscriber represents a notification subscriber
type Subscriber struct {
	ch     chan *Notification
	ctx    context.Context
	cancel context.CancelFunc
}

// Service manages notifications: bounded in-memory store, live
// broadcast to subscribers, rate limiting, expiry cleanup, and an
// optional persistent history mirror.
type Service struct {
	store         NotificationStore
	history       datastore.Interface
	subscribers   []*Subscriber
	subscribersMu sync.RWMutex
	rateLimiter   *RateLimiter
	cleanupTicker *time.Ticker
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	logger        *slog.Logger
	config        *ServiceConfig
}

// ServiceConfig holds the configuration for the notification service.
type ServiceConfig struct {
	// Debug enables debug logging for the service
	Debug bool
	// MaxNotifications is the maximum number of notifications to keep in memory
	MaxNotifications int
	// CleanupInterval is how often to clean up expired notifications
	CleanupInterval time.Duration
	// RateLimitWindow is the time window for rate limiting
	RateLimitWindow time.Duration
	// RateLimitMaxEvents is the maximum number of events per window
	RateLimitMaxEvents int
	// HistoryRetention is how long persisted notification history is kept
	HistoryRetention time.Duration
}

// DefaultServiceConfig returns a default configuration
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		MaxNotifications:   DefaultMaxNotifications,
		CleanupInterval:    DefaultCleanupInterval,
		RateLimitWindow:    1 * time.Minute,
		RateLimitMaxEvents: DefaultRateLimitMaxEvents,
		HistoryRetention:   DefaultHistoryRetention,
	}
}

// NewService creates a new notification service
func NewService(config *ServiceConfig) *Service {
	if config == nil {
		config = DefaultServiceConfig()
	}
	if config.HistoryRetention <= 0 {
		config.HistoryRetention = DefaultHistoryRetention
	}

	ctx, cancel := context.WithCancel(context.Background())

	service := &Service{
		store:         NewInMemoryStore(config.MaxNotifications),
		subscribers:   make([]*Subscriber, 0),
		rateLimiter:   NewRateLimiter(config.RateLimitWindow, config.RateLimitMaxEvents),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
		ctx:           ctx,
		cancel:        cancel,
		logger:        getFileLogger(config.Debug),
		config:        config,
	}

	service.logger.Info("notification service initialized",
		"max_notifications", config.MaxNotifications,
		"cleanup_interval", config.CleanupInterval,
		"rate_limit_window", config.RateLimitWindow,
		"rate_limit_max_events", config.RateLimitMaxEvents,
		"debug", config.Debug)

	service.wg.Add(1)
	go service.cleanupLoop()

	return service
}

// SetHistoryStore enables mirroring of created notifications into the
// persistent notification history table.
func (s *Service) SetHistoryStore(ds datastore.Interface) {
	s.history = ds
}

// Create adds a new notification to the system
func (s *Service) Create(notifType Type, priority Priority, title, message string) (*Notification, error) {
	return s.CreateWithComponent(notifType, priority, title, message, "")
}

// CreateWithComponent creates a notification with a specific source component
func (s *Service) CreateWithComponent(notifType Type, priority Priority, title, message, component string) (*Notification, error) {
	notification := NewNotification(notifType, priority, title, message)
	if component != "" {
		notification.WithComponent(component)
	}
	if err := s.Publish(notification); err != nil {
		return nil, err
	}
	return notification, nil
}

// Publish stores and broadcasts a fully built notification. Metadata
// must be attached before publishing so subscribers and push providers
// see it.
func (s *Service) Publish(notification *Notification) error {
	if !s.rateLimiter.Allow() {
		if s.config.Debug {
			s.logger.Debug("notification rate limit exceeded",
				"type", notification.Type,
				"priority", notification.Priority)
		}
		return errors.Newf("rate limit exceeded").
			Component("notification").
			Category(errors.CategoryLimit).
			Build()
	}

	if err := s.store.Save(notification); err != nil {
		return errors.New(err).
			Component("notification").
			Category(errors.CategoryNotify).
			Context("operation", "save_notification").
			Build()
	}

	s.persistHistory(notification)
	s.broadcast(notification)

	if s.config.Debug {
		s.logger.Debug("notification created and broadcast",
			"id", notification.ID,
			"type", notification.Type,
			"priority", notification.Priority)
	}

	return nil
}

// persistHistory mirrors the notification into the datastore history
// table. History writes are advisory, a failure never blocks delivery.
func (s *Service) persistHistory(n *Notification) {
	if s.history == nil {
		return
	}
	record := &datastore.NotificationRecord{
		Type:     string(n.Type),
		Priority: string(n.Priority),
		Title:    n.Title,
		Message:  n.Message,
	}
	if err := s.history.SaveNotificationRecord(record); err != nil {
		s.logger.Warn("failed to persist notification history",
			"notification_id", n.ID,
			"error", err)
	}
}

// Get retrieves a notification by ID
func (s *Service) Get(id string) (*Notification, error) {
	return s.store.Get(id)
}

// List returns notifications based on filter options
func (s *Service) List(filter *FilterOptions) ([]*Notification, error) {
	return s.store.List(filter)
}

// RecentHistory returns the newest persisted notification records.
func (s *Service) RecentHistory(limit int) ([]datastore.NotificationRecord, error) {
	if s.history == nil {
		return nil, errors.Newf("notification history not enabled").
			Component("notification").
			Category(errors.CategoryState).
			Build()
	}
	return s.history.GetRecentNotificationRecords(limit)
}

// MarkAsRead updates a notification's status to read
func (s *Service) MarkAsRead(id string) error {
	if id == "" {
		return errors.Newf("notification ID cannot be empty").
			Component("notification").
			Category(errors.CategoryValidation).
			Build()
	}

	notification, err := s.store.Get(id)
	if err != nil {
		return err
	}

	notification.MarkAsRead()
	return s.store.Update(notification)
}

// MarkAsAcknowledged updates a notification's status to acknowledged
func (s *Service) MarkAsAcknowledged(id string) error {
	if id == "" {
		return errors.Newf("notification ID cannot be empty").
			Component("notification").
			Category(errors.CategoryValidation).
			Build()
	}

	notification, err := s.store.Get(id)
	if err != nil {
		return err
	}

	notification.MarkAsAcknowledged()
	return s.store.Update(notification)
}

// Delete removes a notification
func (s *Service) Delete(id string) error {
	if id == "" {
		return errors.Newf("notification ID cannot be empty").
			Component("notification").
			Category(errors.CategoryValidation).
			Build()
	}
	return s.store.Delete(id)
}

// Subscribe creates a channel that receives every notification created
// after the call. The returned context is cancelled when the
// subscription is terminated; subscribers must not close the channel.
func (s *Service) Subscribe() (<-chan *Notification, context.Context) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	sub := &Subscriber{
		ch:     make(chan *Notification, DefaultChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	s.subscribers = append(s.subscribers, sub)

	if s.config.Debug {
		s.logger.Debug("new subscriber added",
			"total_subscribers", len(s.subscribers))
	}

	return sub.ch, ctx
}

// Unsubscribe removes a notification channel. It cancels the
// subscriber's context but does not close the channel.
func (s *Service) Unsubscribe(ch <-chan *Notification) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()

	for i, subscriber := range s.subscribers {
		if subscriber.ch == ch {
			subscriber.cancel()
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			break
		}
	}
}

// GetUnreadCount returns the number of unread notifications
func (s *Service) GetUnreadCount() (int, error) {
	return s.store.GetUnreadCount()
}

// CreateErrorNotification creates a notification from an error,
// mapping its category to an appropriate priority.
func (s *Service) CreateErrorNotification(err error) (*Notification, error) {
	var title, message, component string
	var priority Priority

	var enhancedErr *errors.EnhancedError
	if errors.As(err, &enhancedErr) {
		component = enhancedErr.GetComponent()
		category := enhancedErr.GetCategory()
		message = enhancedErr.Error()

		switch category {
		case string(errors.CategorySystem), string(errors.CategoryDatabase), string(errors.CategoryModelLoad):
			priority = PriorityCritical
			title = "Critical System Error"
		case string(errors.CategoryTriage), string(errors.CategoryConsensus), string(errors.CategoryBatch):
			priority = PriorityHigh
			title = "Triage Pipeline Error"
		case string(errors.CategoryNetwork), string(errors.CategoryHTTP), string(errors.CategoryMQTTConn), string(errors.CategoryMQTTPublish):
			priority = PriorityHigh
			title = fmt.Sprintf("%s Error", category)
		default:
			priority = PriorityMedium
			title = "Application Error"
		}
	} else {
		priority = PriorityMedium
		title = "Application Error"
		message = err.Error()
		component = "unknown"
	}

	return s.CreateWithComponent(TypeError, priority, title, message, component)
}

// broadcastStats tracks broadcast results.
type broadcastStats struct {
	success   int
	failed    int
	cancelled int
}

// broadcast sends a notification to all subscribers. Each subscriber
// receives its own clone so later metadata writes cannot race with
// subscriber serialization.
func (s *Service) broadcast(notification *Notification) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()

	activeSubscribers := make([]*Subscriber, 0, len(s.subscribers))
	var stats broadcastStats

	for _, sub := range s.subscribers {
		select {
		case <-sub.ctx.Done():
			stats.cancelled++
			continue
		default:
		}

		activeSubscribers = append(activeSubscribers, sub)
		select {
		case sub.ch <- notification.Clone():
			stats.success++
		default:
			stats.failed++
			s.logger.Debug("notification channel full, skipping subscriber",
				"notification_id", notification.ID)
		}
	}

	s.subscribers = activeSubscribers

	if s.config.Debug && (stats.failed > 0 || stats.cancelled > 0) {
		s.logger.Debug("broadcast completed",
			"notification_id", notification.ID,
			"success_count", stats.success,
			"failed_count", stats.failed,
			"cancelled_count", stats.cancelled)
	}
}

// cleanupLoop periodically removes expired notifications and prunes
// persisted history past its retention window.
func (s *Service) cleanupLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.cleanupTicker.C:
			s.performCleanup()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) performCleanup() {
	if err := s.store.DeleteExpired(); err != nil {
		s.logger.Error("error cleaning up expired notifications", "error", err)
	}

	if s.history != nil {
		cutoff := time.Now().Add(-s.config.HistoryRetention)
		deleted, err := s.history.DeleteExpiredNotificationRecords(cutoff)
		if err != nil {
			s.logger.Error("error pruning notification history", "error", err)
		} else if deleted > 0 && s.config.Debug {
			s.logger.Debug("pruned notification history",
				"deleted", deleted,
				"cutoff", cutoff)
		}
	}
}

// Stop gracefully shuts down the notification service
func (s *Service) Stop() {
	s.logger.Info("notification service shutting down")

	s.cancel()
	s.cleanupTicker.Stop()
	s.wg.Wait()

	s.subscribersMu.Lock()
	subscriberCount := len(s.subscribers)
	for _, sub := range s.subscribers {
		sub.cancel()
	}
	s.subscribers = nil
	s.subscribersMu.Unlock()

	s.logger.Info("notification service stopped",
		"subscribers_cancelled", subscriberCount)

	if err := CloseLogger(); err != nil {
		slog.Default().Error("failed to close notification logger", "error", err)
	}
}

// RateLimiter provides sliding-window rate limiting for notification creation
type RateLimiter struct {
	window    time.Duration
	maxEvents int
	events    []time.Time
	mu        sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(window time.Duration, maxEvents int) *RateLimiter {
	return &RateLimiter{
		window:    window,
		maxEvents: maxEvents,
		events:    make([]time.Time, 0, maxEvents),
	}
}

// Allow checks if an event is allowed based on rate limits
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	validCount := 0
	for _, event := range r.events {
		if event.After(cutoff) {
			r.events[validCount] = event
			validCount++
		}
	}
	r.events = r.events[:validCount]

	if len(r.events) >= r.maxEvents {
		return false
	}

	r.events = append(r.events, now)
	return true
}

// Reset clears the rate limiter
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
