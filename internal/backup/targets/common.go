// Package targets provides snapshot storage backends: a local
// directory, SFTP and FTP servers, and rsync over SSH.
package targets

import (
	"encoding/json"
	"time"

	"github.com/chestnet/chestnet-go/internal/backup"
	"github.com/chestnet/chestnet-go/internal/errors"
)

const metadataExt = ".meta.json"

// archiveName returns the file name a snapshot is stored under.
func archiveName(metadata *backup.Metadata) string {
	if metadata.Encrypted {
		return metadata.ID + ".tar.gz.enc"
	}
	return metadata.ID + ".tar.gz"
}

// encodeMetadata serializes the sidecar metadata file.
func encodeMetadata(metadata *backup.Metadata) ([]byte, error) {
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, errors.New(err).
			Component("backup").
			Category(errors.CategoryBackup).
			Context("id", metadata.ID).
			Build()
	}
	return data, nil
}

// decodeMetadata parses a sidecar metadata file.
func decodeMetadata(data []byte) (*backup.Metadata, error) {
	var metadata backup.Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, errors.New(err).
			Component("backup").
			Category(errors.CategoryBackup).
			Build()
	}
	return &metadata, nil
}

// Settings accessors for the free-form target configuration maps.

func stringSetting(settings map[string]any, key, fallback string) string {
	if v, ok := settings[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intSetting(settings map[string]any, key string, fallback int) int {
	switch v := settings[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func boolSetting(settings map[string]any, key string, fallback bool) bool {
	if v, ok := settings[key].(bool); ok {
		return v
	}
	return fallback
}

func durationSetting(settings map[string]any, key string, fallback time.Duration) (time.Duration, error) {
	v, ok := settings[key].(string)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.New(err).
			Component("backup").
			Category(errors.CategoryConfiguration).
			Context("setting", key).
			Build()
	}
	return d, nil
}
