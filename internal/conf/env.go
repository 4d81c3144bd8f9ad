// env.go - Environment variable configuration and validation for ChestNet-Go
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		// Ensemble Core Configuration
		{"ensemble.modelpath", "CHESTNET_MODELPATH", validateEnvPath},
		{"ensemble.labelpath", "CHESTNET_LABELPATH", validateEnvPath},
		{"ensemble.memorybudgetmb", "CHESTNET_MEMORYBUDGETMB", validateEnvMemoryBudget},
		{"ensemble.threads", "CHESTNET_THREADS", validateEnvThreads},
		{"ensemble.threshold", "CHESTNET_THRESHOLD", validateEnvThreshold},
		{"ensemble.usexnnpack", "CHESTNET_USEXNNPACK", validateEnvBool},
		{"ensemble.debug", "CHESTNET_DEBUG", validateEnvBool},

		// Database Configuration
		{"output.sqlite.path", "CHESTNET_SQLITE_PATH", nil},
		{"output.mysql.host", "CHESTNET_MYSQL_HOST", nil},
		{"output.mysql.password", "CHESTNET_MYSQL_PASSWORD", nil},

		// Security Configuration
		{"security.jwt.secret", "CHESTNET_JWT_SECRET", nil},

		// MQTT Configuration
		{"mqtt.broker", "CHESTNET_MQTT_BROKER", nil},
		{"mqtt.password", "CHESTNET_MQTT_PASSWORD", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars() error {
	bindings := getEnvBindings()
	var warnings []string

	for _, binding := range bindings {
		// Bind the environment variable to the config key
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		// Validate the value if it's set and validation function is provided
		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

// Environment variable validation functions

// validateEnvBool validates boolean environment variables
func validateEnvBool(value string) error {
	_, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f, TRUE/FALSE, T/F", value)
	}
	return nil
}

func validateEnvThreshold(value string) error {
	threshold, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid threshold: %w", err)
	}
	if threshold < 0.0 || threshold > 1.0 {
		return fmt.Errorf("threshold must be between 0.0 and 1.0, got %g", threshold)
	}
	return nil
}

func validateEnvThreads(value string) error {
	threads, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid threads: %w", err)
	}
	if threads < 0 {
		return fmt.Errorf("threads must be non-negative, got %d", threads)
	}
	return nil
}

func validateEnvMemoryBudget(value string) error {
	budget, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid memory budget: %w", err)
	}
	if budget < 128 {
		return fmt.Errorf("memory budget must be at least 128 MB, got %d", budget)
	}
	return nil
}

func validateEnvPath(value string) error {
	// Clean the path first to normalize it
	cleanedPath := filepath.Clean(value)

	// Require absolute paths for security
	if !filepath.IsAbs(cleanedPath) {
		return fmt.Errorf("path must be absolute, got relative path: %s", cleanedPath)
	}

	// Check for path traversal attempts after cleaning
	// Split path and check each component
	pathParts := strings.Split(cleanedPath, string(os.PathSeparator))
	for _, part := range pathParts {
		if part == ".." {
			return fmt.Errorf("path traversal detected in cleaned path: %s", cleanedPath)
		}
	}

	// Optionally check if file exists (warn but don't fail)
	if _, err := os.Stat(cleanedPath); os.IsNotExist(err) {
		// Return a warning as part of the error that can be logged
		// but doesn't prevent the app from starting
		return fmt.Errorf("warning: file does not exist: %s", cleanedPath)
	}

	return nil
}

// configureEnvironmentVariables sets up environment variable support for Viper
func configureEnvironmentVariables() error {
	// Set up key replacer for nested config keys
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables with validation
	// Return any errors to the caller for centralized handling
	return bindEnvVars()
}
