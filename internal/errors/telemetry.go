package errors

import (
	"regexp"
	"sync/atomic"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter defines the interface for reporting errors to telemetry
type TelemetryReporter interface {
	ReportError(ee *EnhancedError)
	IsEnabled() bool
}

// telemetryReporter holds the active telemetry reporter
var telemetryReporter atomic.Pointer[TelemetryReporter]

// SetTelemetryReporter sets the telemetry reporter for error reporting
func SetTelemetryReporter(reporter TelemetryReporter) {
	if reporter == nil {
		telemetryReporter.Store(nil)
	} else {
		telemetryReporter.Store(&reporter)
	}
	updateActiveReporting()
}

// getTelemetryReporter returns the current telemetry reporter, or nil
func getTelemetryReporter() TelemetryReporter {
	ptr := telemetryReporter.Load()
	if ptr == nil {
		return nil
	}
	return *ptr
}

// SentryReporter implements TelemetryReporter using Sentry
type SentryReporter struct {
	enabled atomic.Bool
}

// NewSentryReporter creates a new Sentry-based telemetry reporter
func NewSentryReporter(enabled bool) *SentryReporter {
	sr := &SentryReporter{}
	sr.enabled.Store(enabled)
	return sr
}

// SetEnabled updates the enabled state
func (sr *SentryReporter) SetEnabled(enabled bool) {
	sr.enabled.Store(enabled)
	updateActiveReporting()
}

// IsEnabled returns whether reporting is enabled
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled.Load()
}

// ReportError sends an enhanced error to Sentry with scrubbed context
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.IsEnabled() || ee.IsReported() {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.GetComponent())
		scope.SetTag("category", ee.GetCategory())
		if p := ee.GetPriority(); p != "" {
			scope.SetTag("priority", p)
		}

		safeContext := make(map[string]any)
		for key, value := range ee.GetContext() {
			if isSafeContextKey(key) {
				safeContext[key] = value
			}
		}
		if len(safeContext) > 0 {
			scope.SetContext("error_context", safeContext)
		}

		scrubbed := scrubMessageForPrivacy(ee.GetMessage())
		sentry.CaptureMessage(scrubbed)
	})

	ee.MarkReported()
}

// PrivacyScrubber is a function type for privacy scrubbing
type PrivacyScrubber func(string) string

// globalPrivacyScrubber holds the scrubbing function installed by the
// telemetry package. The errors package cannot import it directly.
var globalPrivacyScrubber atomic.Pointer[PrivacyScrubber]

// SetPrivacyScrubber sets the global privacy scrubbing function
func SetPrivacyScrubber(scrubber PrivacyScrubber) {
	if scrubber == nil {
		globalPrivacyScrubber.Store(nil)
		return
	}
	globalPrivacyScrubber.Store(&scrubber)
}

// scrubMessageForPrivacy applies privacy protection to error messages,
// preferring the installed scrubber and falling back to built-in patterns.
func scrubMessageForPrivacy(message string) string {
	if ptr := globalPrivacyScrubber.Load(); ptr != nil {
		return (*ptr)(message)
	}
	return basicPHIScrub(message)
}

// Patterns that may carry patient or operator identifiers in error text.
var (
	pathPattern  = regexp.MustCompile(`(/[A-Za-z0-9._\-]+)+/?`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	mrnPattern   = regexp.MustCompile(`\b(MRN|mrn)[:\s]*[A-Za-z0-9\-]+`)
	uuidPattern  = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
)

// basicPHIScrub removes identifying data from error messages before they
// leave the process. File paths, MRNs, emails and record UUIDs are all
// replaced with placeholders.
func basicPHIScrub(message string) string {
	scrubbed := mrnPattern.ReplaceAllString(message, "[MRN]")
	scrubbed = emailPattern.ReplaceAllString(scrubbed, "[EMAIL]")
	scrubbed = uuidPattern.ReplaceAllString(scrubbed, "[ID]")
	scrubbed = pathPattern.ReplaceAllString(scrubbed, "[PATH]")
	return scrubbed
}

// safeContextKeys lists context keys that never contain identifying data
var safeContextKeys = map[string]bool{
	"model_name":         true,
	"model_architecture": true,
	"file_extension":     true,
	"file_size_category": true,
	"operation":          true,
	"duration_ms":        true,
	"retry_attempt":      true,
	"max_retries":        true,
	"job_type":           true,
	"status":             true,
	"label":              true,
	"risk_level":         true,
	"batch_size":         true,
	"image_count":        true,
	"provider":           true,
	"event_type":         true,
	"memory_budget_mb":   true,
	"memory_used_mb":     true,
	"loaded_models":      true,
	"http_status":        true,
	"http_method":        true,
}

// isSafeContextKey reports whether a context key is safe to send to telemetry
func isSafeContextKey(key string) bool {
	return safeContextKeys[key]
}
