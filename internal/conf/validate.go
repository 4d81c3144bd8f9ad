// conf/validate.go

package conf

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	// Validate Ensemble settings
	if err := validateEnsembleSettings(&settings.Ensemble); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	// Validate Triage settings
	if err := validateTriageSettings(&settings.Triage); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	// Validate Batch settings
	if err := validateBatchSettings(&settings.Batch); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	// Validate Appointment settings
	if err := validateAppointmentSettings(&settings.Appointment); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	// Validate WebServer settings
	if err := validateWebServerSettings(settings); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	// Validate Security settings
	if err := validateSecuritySettings(&settings.Security); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	// Validate Monitoring settings
	if err := validateMonitoringSettings(&settings.Monitoring); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	// If there are any errors, return the ValidationError
	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// validateEnsembleSettings validates the ensemble-specific settings
func validateEnsembleSettings(settings *EnsembleConfig) error {
	var errs []string

	// Check if memory budget leaves room for at least the smallest model
	if settings.MemoryBudgetMB < 128 {
		errs = append(errs, "Ensemble memory budget must be at least 128 MB")
	}

	// Check if threshold is within valid range
	if settings.Threshold < 0 || settings.Threshold > 1 {
		errs = append(errs, "Ensemble threshold must be between 0 and 1")
	}

	// Check if threads is non-negative
	if settings.Threads < 0 {
		errs = append(errs, "Ensemble threads must be at least 0")
	}

	// The roster must contain at least one enabled model
	enabled := 0
	seen := make(map[string]bool, len(settings.Models))
	for i := range settings.Models {
		m := &settings.Models[i]
		if m.Name == "" {
			errs = append(errs, "Ensemble model entries must have a name")
			continue
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Sprintf("Ensemble model %q is listed more than once", m.Name))
		}
		seen[m.Name] = true
		if m.SizeMB <= 0 {
			errs = append(errs, fmt.Sprintf("Ensemble model %q must declare a positive size", m.Name))
		}
		if m.Weight < 0 {
			errs = append(errs, fmt.Sprintf("Ensemble model %q must have a non-negative weight", m.Name))
		}
		if m.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		errs = append(errs, "Ensemble roster must enable at least one model")
	}

	// If there are any errors, return them as a single error
	if len(errs) > 0 {
		return fmt.Errorf("Ensemble settings errors: %v", errs)
	}

	return nil
}

// validateTriageSettings validates the triage-specific settings
func validateTriageSettings(settings *TriageSettings) error {
	if settings.MinAgreement < 0 || settings.MinAgreement > 1 {
		return errors.New("Triage minimum agreement must be between 0 and 1")
	}
	if settings.MinConfidence < 0 || settings.MinConfidence > 1 {
		return errors.New("Triage minimum confidence must be between 0 and 1")
	}
	return nil
}

// validateBatchSettings validates the batch upload settings
func validateBatchSettings(settings *BatchSettings) error {
	var errs []string

	if settings.MaxConcurrent < 1 {
		errs = append(errs, "Batch max concurrent jobs must be at least 1")
	}
	if settings.MaxRetries < 0 {
		errs = append(errs, "Batch max retries must be non-negative")
	}
	if settings.InitialDelay < 0 {
		errs = append(errs, "Batch initial retry delay must be non-negative")
	}
	if settings.MaxFileSizeMB < 1 {
		errs = append(errs, "Batch max file size must be at least 1 MB")
	}
	if len(settings.AllowedTypes) == 0 {
		errs = append(errs, "Batch allowed types must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("Batch settings errors: %v", errs)
	}
	return nil
}

// validateAppointmentSettings validates the appointment scheduling settings
func validateAppointmentSettings(settings *AppointmentSettings) error {
	var errs []string

	if settings.SlotMinutes < 5 || settings.SlotMinutes > 240 {
		errs = append(errs, "Appointment slot must be between 5 and 240 minutes")
	}

	start, err := time.Parse("15:04", settings.DayStart)
	if err != nil {
		errs = append(errs, fmt.Sprintf("Appointment day start %q is not a valid HH:MM time", settings.DayStart))
	}
	end, err := time.Parse("15:04", settings.DayEnd)
	if err != nil {
		errs = append(errs, fmt.Sprintf("Appointment day end %q is not a valid HH:MM time", settings.DayEnd))
	}
	if len(errs) == 0 && !end.After(start) {
		errs = append(errs, "Appointment day end must be after day start")
	}

	if settings.Reminder.Enabled {
		if settings.Reminder.LeadHours < 1 {
			errs = append(errs, "Appointment reminder lead time must be at least 1 hour")
		}
		if settings.Reminder.PollMinutes < 1 {
			errs = append(errs, "Appointment reminder poll interval must be at least 1 minute")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("Appointment settings errors: %v", errs)
	}
	return nil
}

// validateWebServerSettings validates the WebServer-specific settings
func validateWebServerSettings(settings *Settings) error {
	if settings.WebServer.Enabled {
		// Check if port is provided when enabled
		if settings.WebServer.Port == "" {
			return errors.New("WebServer port is required when enabled")
		}
	}
	return nil
}

// validateSecuritySettings validates the security-specific settings
func validateSecuritySettings(settings *Security) error {
	// AutoTLS requires a hostname for the certificate request
	if settings.AutoTLS && settings.Host == "" {
		return fmt.Errorf("security.host must be set when AutoTLS is enabled")
	}

	// Validate the subnet bypass setting against the allowed pattern
	if settings.AllowSubnetBypass.Enabled {
		subnets := strings.Split(settings.AllowSubnetBypass.Subnet, ",")
		for _, subnet := range subnets {
			_, _, err := net.ParseCIDR(strings.TrimSpace(subnet))
			if err != nil {
				return fmt.Errorf("invalid subnet format: %w", err)
			}
		}
	}

	// Token lifetimes must be positive
	if settings.JWT.AccessTokenExp <= 0 {
		return errors.New("security.jwt.accesstokenexp must be positive")
	}
	if settings.JWT.RefreshTokenExp <= 0 {
		return errors.New("security.jwt.refreshtokenexp must be positive")
	}

	return nil
}

// validateMonitoringSettings validates the system monitor settings
func validateMonitoringSettings(settings *MonitoringSettings) error {
	if !settings.Enabled {
		return nil
	}

	if settings.CheckInterval < 1 {
		return errors.New("Monitoring check interval must be at least 1 second")
	}

	check := func(name string, t *ThresholdSettings) error {
		if !t.Enabled {
			return nil
		}
		if t.Warning <= 0 || t.Warning > 100 {
			return fmt.Errorf("%s warning threshold must be between 0 and 100", name)
		}
		if t.Critical <= 0 || t.Critical > 100 {
			return fmt.Errorf("%s critical threshold must be between 0 and 100", name)
		}
		if t.Critical <= t.Warning {
			return fmt.Errorf("%s critical threshold must be above the warning threshold", name)
		}
		return nil
	}

	if err := check("CPU", &settings.CPU); err != nil {
		return err
	}
	if err := check("Memory", &settings.Memory); err != nil {
		return err
	}
	for i := range settings.Disks {
		d := &settings.Disks[i]
		if !d.Enabled {
			continue
		}
		t := ThresholdSettings{Enabled: true, Warning: d.Warning, Critical: d.Critical}
		if err := check("Disk "+d.Path, &t); err != nil {
			return err
		}
	}

	return nil
}
