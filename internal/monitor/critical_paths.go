package monitor

import (
	"os"
	"path/filepath"

	"github.com/chestnet/chestnet-go/internal/conf"
)

// Default thresholds applied to auto-detected paths that carry no
// user configuration.
const (
	autoDetectWarning  = 80.0
	autoDetectCritical = 90.0
)

// GetCriticalPaths returns filesystem paths critical to operation that
// should be monitored for disk usage even when not explicitly configured.
// These paths are added at runtime and not persisted to the configuration file.
func GetCriticalPaths(settings *conf.Settings) []string {
	paths := make([]string, 0)

	// Always monitor root filesystem
	paths = append(paths, "/")

	// Database directory: a full disk corrupts SQLite writes
	if settings.Output.SQLite.Enabled && settings.Output.SQLite.Path != "" {
		dbDir := filepath.Dir(resolvePath(settings.Output.SQLite.Path))
		if dbDir != "." && dbDir != "" {
			paths = append(paths, dbDir)
		}
	}

	// Media tree holds uploaded x-rays and generated reports
	if settings.Media.BasePath != "" {
		mediaPath := resolvePath(settings.Media.BasePath)
		if mediaPath != "." && mediaPath != "" {
			paths = append(paths, mediaPath)
		}
	}

	// Config directory
	if configPath, err := conf.FindConfigFile(); err == nil {
		configDir := filepath.Dir(configPath)
		if configDir != "." && configDir != "" {
			paths = append(paths, configDir)
		}
	}

	// In Docker these are the standard volume mount points
	if conf.RunningInContainer() {
		paths = append(paths, "/data", "/config")
	}

	return deduplicatePaths(paths)
}

// resolvePath converts a relative path to an absolute path
func resolvePath(path string) string {
	path = os.ExpandEnv(path)
	path = filepath.Clean(path)

	if !filepath.IsAbs(path) {
		if absPath, err := filepath.Abs(path); err == nil {
			path = absPath
		}
	}

	return path
}

// deduplicatePaths removes duplicate paths and returns unique, cleaned paths
func deduplicatePaths(paths []string) []string {
	seen := make(map[string]bool)
	unique := make([]string, 0)

	for _, path := range paths {
		cleaned := filepath.Clean(path)

		if cleaned == "" || cleaned == "." {
			continue
		}

		if !filepath.IsAbs(cleaned) {
			if absPath, err := filepath.Abs(cleaned); err == nil {
				cleaned = absPath
			}
		}

		if !seen[cleaned] {
			seen[cleaned] = true
			unique = append(unique, cleaned)
		}
	}

	return unique
}

// mergeDiskThresholds combines user-configured disk thresholds with
// auto-detected critical paths, keeping user configuration authoritative
// for any path it already covers.
func mergeDiskThresholds(configured []conf.DiskThreshold, critical []string) []conf.DiskThreshold {
	merged := make([]conf.DiskThreshold, len(configured))
	copy(merged, configured)

	covered := make(map[string]bool, len(configured))
	for _, d := range configured {
		covered[filepath.Clean(resolvePath(d.Path))] = true
	}

	for _, path := range critical {
		if covered[path] {
			continue
		}
		covered[path] = true
		merged = append(merged, conf.DiskThreshold{
			Path:     path,
			Enabled:  true,
			Warning:  autoDetectWarning,
			Critical: autoDetectCritical,
		})
	}

	return merged
}

// GetMonitoringPathsInfo returns the configured disk thresholds, the
// auto-detected critical paths, and the merged monitoring set.
func GetMonitoringPathsInfo(settings *conf.Settings) (configured []conf.DiskThreshold, autoDetected []string, merged []conf.DiskThreshold) {
	configured = settings.Monitoring.Disks
	autoDetected = GetCriticalPaths(settings)
	merged = mergeDiskThresholds(configured, autoDetected)
	return configured, autoDetected, merged
}
