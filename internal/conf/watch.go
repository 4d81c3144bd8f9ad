package conf

import (
	"log"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnableWatch re-reads the configuration whenever the file changes on
// disk and applies the dynamic sections onto the live settings
// instance. Static sections (ports, database backend, model set) need
// a restart; reloading them under running subsystems would tear the
// rug out from under open handles.
func EnableWatch(onReload func(*Settings)) {
	viper.OnConfigChange(func(_ fsnotify.Event) {
		updated := &Settings{}
		if err := viper.Unmarshal(updated); err != nil {
			log.Printf("Ignoring config change, unmarshal failed: %v", err)
			return
		}
		if err := ValidateSettings(updated); err != nil {
			log.Printf("Ignoring config change, validation failed: %v", err)
			return
		}

		settingsMutex.Lock()
		live := settingsInstance
		if live != nil {
			applyDynamicSections(live, updated)
		}
		settingsMutex.Unlock()

		if onReload != nil && live != nil {
			onReload(live)
		}
	})
	viper.WatchConfig()
}

// applyDynamicSections copies the reloadable parts of the config onto
// the live settings.
func applyDynamicSections(live, updated *Settings) {
	live.Debug = updated.Debug
	live.Triage.MinAgreement = updated.Triage.MinAgreement
	live.Triage.MinConfidence = updated.Triage.MinConfidence
	live.Triage.AutoReport = updated.Triage.AutoReport
	live.Triage.Risk = updated.Triage.Risk
	live.Monitoring = updated.Monitoring
	live.Notification = updated.Notification
	live.Media.Retention = updated.Media.Retention
	live.Appointment.Reminder = updated.Appointment.Reminder
}
