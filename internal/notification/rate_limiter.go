package notification

import (
	"sync"
	"time"
)

// PushRateLimiter is a token bucket limiter protecting external push
// services from bursts of alerts.
type PushRateLimiter struct {
	rate       int           // tokens per interval
	interval   time.Duration // time window for rate
	tokens     int           // current available tokens
	maxTokens  int           // maximum tokens (burst capacity)
	lastRefill time.Time
	mu         sync.Mutex
}

// PushRateLimiterConfig holds configuration for rate limiting.
type PushRateLimiterConfig struct {
	// RequestsPerMinute limits how many requests can be made per minute
	RequestsPerMinute int
	// BurstSize allows bursts up to this many requests
	BurstSize int
}

// DefaultPushRateLimiterConfig returns default rate limiting configuration.
func DefaultPushRateLimiterConfig() PushRateLimiterConfig {
	return PushRateLimiterConfig{
		RequestsPerMinute: 60,
		BurstSize:         10,
	}
}

// NewPushRateLimiter creates a new token bucket rate limiter.
func NewPushRateLimiter(config PushRateLimiterConfig) *PushRateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 10
	}

	return &PushRateLimiter{
		rate:       config.RequestsPerMinute,
		interval:   time.Minute,
		tokens:     config.BurstSize,
		maxTokens:  config.BurstSize,
		lastRefill: time.Now(),
	}
}

// Allow reports whether a request fits under the rate limit,
// consuming one token when it does.
func (rl *PushRateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)
	if elapsed >= rl.interval {
		periods := int(elapsed / rl.interval)
		rl.tokens = min(rl.maxTokens, rl.tokens+periods*rl.rate)
		rl.lastRefill = now
	} else {
		tokensToAdd := int(float64(rl.rate) * (elapsed.Seconds() / rl.interval.Seconds()))
		if tokensToAdd > 0 {
			rl.tokens = min(rl.maxTokens, rl.tokens+tokensToAdd)
			rl.lastRefill = now
		}
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// AvailableTokens returns the number of tokens currently available.
func (rl *PushRateLimiter) AvailableTokens() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.tokens
}
