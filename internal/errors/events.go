// Package errors - event bus integration
package errors

import (
	"sync/atomic"
)

// EventPublisher is an interface for publishing error events
// This interface allows the errors package to publish events without
// importing the events package, avoiding circular dependencies
type EventPublisher interface {
	TryPublish(event any) bool
}

// Global event publisher (set by the events package)
var globalEventPublisher atomic.Pointer[EventPublisher]

// hasActiveReporting is a fast-path flag checked on every Build call.
// It is true when either telemetry or the event bus wants errors.
var hasActiveReporting atomic.Bool

// SetEventPublisher sets the global event publisher
// This should be called by the events package during initialization
func SetEventPublisher(publisher EventPublisher) {
	if publisher == nil {
		globalEventPublisher.Store(nil)
	} else {
		globalEventPublisher.Store(&publisher)
	}
	updateActiveReporting()
}

// publishToEventBus publishes an error to the event bus if available
func publishToEventBus(ee *EnhancedError) bool {
	publisherPtr := globalEventPublisher.Load()
	if publisherPtr == nil {
		return false
	}

	publisher := *publisherPtr
	if publisher == nil {
		return false
	}

	// The event bus handles type assertion to its ErrorEvent interface
	return publisher.TryPublish(ee)
}

// updateActiveReporting recomputes the fast-path flag
func updateActiveReporting() {
	telemetryActive := false
	if reporter := getTelemetryReporter(); reporter != nil {
		telemetryActive = reporter.IsEnabled()
	}
	hasActiveReporting.Store(telemetryActive || globalEventPublisher.Load() != nil)
}

// reportToTelemetry dispatches an error asynchronously through the event bus
// when one is registered, falling back to direct telemetry otherwise.
func reportToTelemetry(ee *EnhancedError) {
	if !hasActiveReporting.Load() {
		return
	}

	if publishToEventBus(ee) {
		return
	}

	if reporter := getTelemetryReporter(); reporter != nil {
		reporter.ReportError(ee)
	}
}
