package notification

import "time"

// Service defaults.
const (
	// DefaultMaxNotifications is the in-memory store capacity.
	DefaultMaxNotifications = 1000
	// DefaultCleanupInterval is how often expired notifications are purged.
	DefaultCleanupInterval = 5 * time.Minute
	// DefaultRateLimitMaxEvents is the maximum notifications per rate window.
	DefaultRateLimitMaxEvents = 100
	// DefaultChannelBufferSize is the per-subscriber channel depth.
	DefaultChannelBufferSize = 64
	// DefaultHistoryRetention is how long persisted notification history is kept.
	DefaultHistoryRetention = 30 * 24 * time.Hour
)

// Circuit breaker state string representations, shared by
// PushCircuitBreaker (circuit_breaker.go) and the event worker's
// simple breaker (worker.go).
const (
	circuitStateClosed   = "closed"
	circuitStateHalfOpen = "half-open"
	circuitStateOpen     = "open"
	circuitStateUnknown  = "unknown"
)
