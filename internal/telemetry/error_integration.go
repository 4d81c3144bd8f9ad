// Package telemetry - integration with the error handling system
package telemetry

import (
	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/privacy"
)

// InitializeErrorIntegration sets up the error package to use telemetry when enabled
func InitializeErrorIntegration() {
	// Check if telemetry is enabled
	settings := conf.GetSettings()
	enabled := settings != nil && settings.Sentry.Enabled

	// Create and set the telemetry reporter
	reporter := errors.NewSentryReporter(enabled)
	errors.SetTelemetryReporter(reporter)

	// Set the privacy scrubbing function
	errors.SetPrivacyScrubber(privacy.ScrubMessage)
}

// UpdateErrorIntegration updates the error integration when telemetry settings change
func UpdateErrorIntegration(enabled bool) {
	reporter := errors.NewSentryReporter(enabled)
	errors.SetTelemetryReporter(reporter)
}
