// Package telemetry provides system ID generation and management
package telemetry

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/privacy"
)

// LoadOrCreateSystemID loads an existing anonymous system ID from the config
// directory or creates and persists a new one. The ID carries no patient or
// installation data and is only used to group telemetry per deployment.
func LoadOrCreateSystemID(configDir string) (string, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", errors.New(err).
			Component("telemetry").
			Category(errors.CategoryFileIO).
			Context("operation", "create_config_dir").
			Build()
	}

	idFile := filepath.Join(configDir, ".system_id")

	// Try to read existing ID
	if data, err := os.ReadFile(idFile); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" && privacy.IsValidSystemID(id) {
			return id, nil
		}
	}

	// Generate new ID
	id, err := privacy.GenerateSystemID()
	if err != nil {
		return "", errors.New(err).
			Component("telemetry").
			Category(errors.CategorySystem).
			Context("operation", "generate_system_id").
			Build()
	}

	if err := os.WriteFile(idFile, []byte(id), 0o644); err != nil {
		return "", errors.New(err).
			Component("telemetry").
			Category(errors.CategoryFileIO).
			Context("operation", "save_system_id").
			Build()
	}

	return id, nil
}
