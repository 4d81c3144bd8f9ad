// Package notification manages clinical alerts raised by the triage
// pipeline and system monitors: high-risk diagnoses, batch completions,
// appointment reminders, and resource or error conditions. Notifications
// are kept in a bounded in-memory store, broadcast to SSE subscribers,
// mirrored to the persistent history table, and optionally pushed to
// external providers.
package notification

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// Type categorizes a notification.
type Type string

const (
	// TypeError indicates a system error notification
	TypeError Type = "error"
	// TypeWarning indicates a warning notification
	TypeWarning Type = "warning"
	// TypeInfo indicates an informational notification
	TypeInfo Type = "info"
	// TypeDiagnosis indicates a diagnosis-related notification
	TypeDiagnosis Type = "diagnosis"
	// TypeSystem indicates a system status notification
	TypeSystem Type = "system"
)

var (
	ErrNotificationNotFound = errors.Newf("notification not found").Component("notification").Category(errors.CategoryNotFound).Build()
)

// Priority represents the urgency level of a notification
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Status represents the read state of a notification
type Status string

const (
	StatusUnread       Status = "unread"
	StatusRead         Status = "read"
	StatusAcknowledged Status = "acknowledged"
)

// Notification represents a single notification event
type Notification struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Priority  Priority       `json:"priority"`
	Status    Status         `json:"status"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// NewNotification creates a new notification with a unique ID and timestamp
func NewNotification(notifType Type, priority Priority, title, message string) *Notification {
	return &Notification{
		ID:        uuid.New().String(),
		Type:      notifType,
		Priority:  priority,
		Status:    StatusUnread,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Metadata:  make(map[string]any),
	}
}

// WithComponent sets the component field and returns the notification for chaining
func (n *Notification) WithComponent(component string) *Notification {
	n.Component = component
	return n
}

// WithMetadata adds metadata and returns the notification for chaining
func (n *Notification) WithMetadata(key string, value any) *Notification {
	if n.Metadata == nil {
		n.Metadata = make(map[string]any)
	}
	n.Metadata[key] = value
	return n
}

// WithExpiry sets the expiration time and returns the notification for chaining
func (n *Notification) WithExpiry(duration time.Duration) *Notification {
	expiresAt := time.Now().Add(duration)
	n.ExpiresAt = &expiresAt
	return n
}

// IsExpired checks if the notification has expired
func (n *Notification) IsExpired() bool {
	if n.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*n.ExpiresAt)
}

func (n *Notification) MarkAsRead() {
	n.Status = StatusRead
}

func (n *Notification) MarkAsAcknowledged() {
	n.Status = StatusAcknowledged
}

// Clone creates a deep copy of the notification, including the Metadata map.
// Broadcasts hand each subscriber its own copy so a later mutation of the
// original cannot race with SSE serialization.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}

	clone := *n
	if n.ExpiresAt != nil {
		expiresAt := *n.ExpiresAt
		clone.ExpiresAt = &expiresAt
	}
	if n.Metadata != nil {
		clone.Metadata = copyMetadataMap(n.Metadata)
	}
	return &clone
}

// copyMetadataMap deep-copies nested map[string]any and []any values;
// everything else is a value type or treated as immutable.
func copyMetadataMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = copyMetadataValue(v)
	}
	return dst
}

func copyMetadataValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMetadataMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyMetadataValue(e)
		}
		return out
	default:
		return v
	}
}

// NotificationStore interface defines methods for keeping notifications
type NotificationStore interface {
	Save(notification *Notification) error
	Get(id string) (*Notification, error)
	List(filter *FilterOptions) ([]*Notification, error)
	Update(notification *Notification) error
	Delete(id string) error
	DeleteExpired() error
	GetUnreadCount() (int, error)
}

// FilterOptions provides filtering capabilities for listing notifications
type FilterOptions struct {
	Types      []Type
	Priorities []Priority
	Status     []Status
	Component  string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// InMemoryStore provides a thread-safe in-memory notification store
type InMemoryStore struct {
	mu            sync.RWMutex
	notifications map[string]*Notification
	maxSize       int
	unreadCount   int
}

// NewInMemoryStore creates a new in-memory notification store
func NewInMemoryStore(maxSize int) *InMemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxNotifications
	}
	return &InMemoryStore{
		notifications: make(map[string]*Notification),
		maxSize:       maxSize,
	}
}

// Save stores a notification in memory, evicting the oldest entry when full
func (s *InMemoryStore) Save(notification *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.notifications) >= s.maxSize {
		s.removeOldest()
	}

	s.notifications[notification.ID] = notification

	if notification.Status == StatusUnread {
		s.unreadCount++
	}
	return nil
}

// Get retrieves a notification by ID
func (s *InMemoryStore) Get(id string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if notif, exists := s.notifications[id]; exists {
		notifCopy := *notif
		return &notifCopy, nil
	}
	return nil, ErrNotificationNotFound
}

// List returns filtered notifications, newest first
func (s *InMemoryStore) List(filter *FilterOptions) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Notification
	for _, notif := range s.notifications {
		if matchesFilter(notif, filter) {
			notifCopy := *notif
			results = append(results, &notifCopy)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})

	if filter != nil {
		if filter.Offset < len(results) {
			results = results[filter.Offset:]
		} else {
			results = []*Notification{}
		}
		if filter.Limit > 0 && len(results) > filter.Limit {
			results = results[:filter.Limit]
		}
	}

	return results, nil
}

// Update modifies an existing notification
func (s *InMemoryStore) Update(notification *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldNotif, exists := s.notifications[notification.ID]
	if !exists {
		return ErrNotificationNotFound
	}

	if oldNotif.Status == StatusUnread && notification.Status != StatusUnread {
		s.unreadCount--
	} else if oldNotif.Status != StatusUnread && notification.Status == StatusUnread {
		s.unreadCount++
	}

	s.notifications[notification.ID] = notification
	return nil
}

// Delete removes a notification
func (s *InMemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if notif, exists := s.notifications[id]; exists && notif.Status == StatusUnread {
		s.unreadCount--
	}
	delete(s.notifications, id)
	return nil
}

// DeleteExpired removes all expired notifications
func (s *InMemoryStore) DeleteExpired() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, notif := range s.notifications {
		if notif.IsExpired() {
			if notif.Status == StatusUnread {
				s.unreadCount--
			}
			delete(s.notifications, id)
		}
	}
	return nil
}

// GetUnreadCount returns the count of unread notifications
func (s *InMemoryStore) GetUnreadCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadCount, nil
}

// removeOldest removes the oldest notification to make room
func (s *InMemoryStore) removeOldest() {
	var oldestID string
	var oldestTime time.Time

	for id, notif := range s.notifications {
		if oldestID == "" || notif.Timestamp.Before(oldestTime) {
			oldestID = id
			oldestTime = notif.Timestamp
		}
	}

	if oldestID != "" {
		if notif, exists := s.notifications[oldestID]; exists && notif.Status == StatusUnread {
			s.unreadCount--
		}
		delete(s.notifications, oldestID)
	}
}

func matchesFilter(notif *Notification, filter *FilterOptions) bool {
	if filter == nil {
		return true
	}
	if len(filter.Types) > 0 && !slices.Contains(filter.Types, notif.Type) {
		return false
	}
	if len(filter.Priorities) > 0 && !slices.Contains(filter.Priorities, notif.Priority) {
		return false
	}
	if len(filter.Status) > 0 && !slices.Contains(filter.Status, notif.Status) {
		return false
	}
	if filter.Component != "" && notif.Component != filter.Component {
		return false
	}
	if filter.Since != nil && notif.Timestamp.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && notif.Timestamp.After(*filter.Until) {
		return false
	}
	return true
}
