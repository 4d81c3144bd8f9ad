// config.go: This file contains the configuration for the ChestNet-Go application. It defines the settings struct and functions to load and save the settings.
package conf

import (
	"crypto/rand"
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed config.yaml
var configFiles embed.FS

// ModelSpec describes one classifier in the ensemble roster.
type ModelSpec struct {
	Name    string  `yaml:"name"`    // architecture name, e.g. "densenet121"
	Path    string  `yaml:"path"`    // path to the .tflite model file
	SizeMB  int     `yaml:"sizemb"`  // approximate resident size, used for budget accounting
	Enabled bool    `yaml:"enabled"` // true to include this model in ensemble runs
	Weight  float64 `yaml:"weight"`  // vote weight, 1.0 for plain majority voting
}

// EnsembleConfig contains settings for the classifier ensemble.
type EnsembleConfig struct {
	Debug          bool        // true to enable debug mode
	ModelPath      string      // directory containing external model files
	LabelPath      string      // path to external label file (empty for embedded)
	Labels         []string    `yaml:"-"` // list of diagnosis labels, runtime value
	Models         []ModelSpec // classifier roster
	MemoryBudgetMB int         // hard ceiling for concurrently resident interpreters
	Threads        int         // number of CPU threads per interpreter
	UseXNNPACK     bool        // true to use XNNPACK delegate for inference acceleration
	Threshold      float64     // minimum per-model confidence to count a vote
}

// TriageSettings contains settings for the diagnosis triage pipeline.
type TriageSettings struct {
	Debug         bool         // true to enable debug mode
	MinAgreement  float64      // consensus agreement ratio below which a review is requested
	MinConfidence float64      // consensus confidence below which a review is requested
	Workers       int          // concurrent triage pipeline workers
	AutoReport    bool         // generate a PDF report automatically after diagnosis
	Risk          RiskSettings // risk scoring weights and boundaries
}

// RiskSettings controls how consensus results are mapped to a risk score.
// Zero values fall back to built-in clinical defaults.
type RiskSettings struct {
	LabelPoints       map[string]float64 // base points per consensus label
	AgeSeniorPoints   float64            // points for patients aged 70 and above
	AgeElderPoints    float64            // points for patients aged 55 to 69
	AgeMiddlePoints   float64            // points for patients aged 40 to 54
	ComorbidityPoints float64            // points per recorded comorbidity
	ComorbidityCap    float64            // maximum total comorbidity points
	ModerateFloor     float64            // score at which risk becomes moderate
	HighFloor         float64            // score at which risk becomes high
	CriticalFloor     float64            // score at which risk becomes critical
}

// BatchSettings contains settings for batch upload processing.
type BatchSettings struct {
	Debug         bool     // true to enable debug mode
	MaxConcurrent int      // maximum batch jobs processed at once
	MaxRetries    int      // retry attempts per failed image
	InitialDelay  int      // initial retry delay in seconds
	MaxFileSizeMB int      // reject uploads larger than this
	AllowedTypes  []string // accepted image file extensions
}

// RetentionSettings controls cleanup of stored media files.
type RetentionSettings struct {
	Debug     bool   // true to enable retention debug
	Policy    string // retention policy, "none", "age" or "usage"
	MaxAge    string // maximum age of media files to keep
	MaxUsage  string // maximum disk usage percentage before cleanup
	MinImages int    // minimum number of images per patient to keep
}

// MediaSettings contains settings for stored media files.
type MediaSettings struct {
	BasePath  string            // root directory of the media tree
	XRayDir   string            // subdirectory for x-ray images
	ReportDir string            // subdirectory for generated reports
	Retention RetentionSettings // media retention settings
}

// ReminderSettings controls appointment reminder dispatch.
type ReminderSettings struct {
	Enabled      bool // true to send appointment reminders
	LeadHours    int  // hours before the appointment to remind
	PollMinutes  int  // how often the scheduler scans for due reminders
	DispatchOnce bool // true to suppress duplicate reminders per appointment
}

// AppointmentSettings contains settings for appointment scheduling.
type AppointmentSettings struct {
	SlotMinutes   int              // default appointment duration
	BufferMinutes int              // minimum gap enforced between a clinician's visits
	DayStart      string           // clinic opening time, "08:00"
	DayEnd        string           // clinic closing time, "18:00"
	Reminder      ReminderSettings // reminder settings
}

// ReportSettings contains settings for PDF report generation.
type ReportSettings struct {
	Debug         bool   // true to enable debug mode
	ClinicName    string // clinic name printed in the report header
	ClinicAddress string // clinic address printed in the report header
	Footer        string // footer text for every report page
}

// NotificationProvider defines a single push notification destination.
type NotificationProvider struct {
	Name    string            `yaml:"name"`    // provider identifier for logs
	Type    string            `yaml:"type"`    // "shoutrrr" or "webhook"
	Enabled bool              `yaml:"enabled"` // true to enable this provider
	URL     string            `yaml:"url"`     // shoutrrr URL or webhook endpoint
	Token   string            `yaml:"token"`   // bearer token for webhook endpoints
	Headers map[string]string `yaml:"headers"` // extra headers for webhook endpoints
	Events  []string          `yaml:"events"`  // event types to deliver, empty for all
}

// NotificationSettings contains settings for the notification service.
type NotificationSettings struct {
	Debug     bool                   // true to enable debug mode
	Providers []NotificationProvider // push notification destinations
}

// MQTTSettings contains settings for MQTT integration.
type MQTTSettings struct {
	Enabled     bool            // true to enable MQTT
	Broker      string          // MQTT broker (tcp://host:port or tls://host:port)
	TopicPrefix string          // topic prefix for published triage results
	Username    string          // MQTT username
	Password    string          // MQTT password
	Retain      bool            // true to publish retained messages
	TLS         MQTTTLSSettings // TLS configuration for secure broker connections
}

// MQTTTLSSettings contains TLS configuration for MQTT connections.
type MQTTTLSSettings struct {
	Enabled            bool   // true to use TLS for the broker connection
	InsecureSkipVerify bool   // true to skip broker certificate verification
	CACert             string // path to CA certificate file
	ClientCert         string // path to client certificate file
	ClientKey          string // path to client key file
}

// ThresholdSettings defines warning and critical levels for a monitored resource.
type ThresholdSettings struct {
	Enabled  bool    // true to monitor this resource
	Warning  float64 // warning threshold percentage
	Critical float64 // critical threshold percentage
}

// MonitoringSettings contains settings for system resource monitoring.
type MonitoringSettings struct {
	Enabled       bool              // true to enable the system resource monitor
	Debug         bool              // true to enable debug mode
	CheckInterval int               // monitoring interval in seconds
	HysteresisPct float64           // percentage below threshold before clearing an alert
	CPU           ThresholdSettings // CPU usage thresholds
	Memory        ThresholdSettings // memory usage thresholds
	Disks         []DiskThreshold   // disk usage thresholds per mount
}

// DiskThreshold defines usage thresholds for a single filesystem mount.
type DiskThreshold struct {
	Path     string  `yaml:"path"`     // mount path to monitor
	Enabled  bool    `yaml:"enabled"`  // true to monitor this mount
	Warning  float64 `yaml:"warning"`  // warning threshold percentage
	Critical float64 `yaml:"critical"` // critical threshold percentage
}

// SentrySettings contains settings for error telemetry. Opt-in only.
type SentrySettings struct {
	Enabled bool // true to enable Sentry error tracking
	Debug   bool // true to enable telemetry debug logging
}

// TelemetrySettings contains settings for the Prometheus metrics endpoint.
type TelemetrySettings struct {
	Enabled bool   // true to enable Prometheus compatible telemetry endpoint
	Listen  string // IP address and port to listen on
}

// JWTSettings holds settings for JSON Web Token authentication.
type JWTSettings struct {
	Secret          string        // signing secret, generated at first start when empty
	Issuer          string        // token issuer name
	AccessTokenExp  time.Duration // lifetime of access tokens
	RefreshTokenExp time.Duration // lifetime of refresh tokens
}

// AllowSubnetBypass disables authentication for trusted subnets.
type AllowSubnetBypass struct {
	Enabled bool   // true to enable subnet bypass
	Subnet  string // comma separated CIDR list that skips authentication
}

// Security handles all security-related settings for the application,
// including authentication, TLS, and access control.
type Security struct {
	Debug bool // true to enable debug mode

	// Host is the primary hostname used for TLS certificates.
	// Required when using AutoTLS.
	Host string

	// AutoTLS enables automatic TLS certificate management using
	// Let's Encrypt. Requires Host to be set and port 80/443 access.
	AutoTLS bool

	RedirectToHTTPS   bool              // true to redirect to HTTPS
	AllowSubnetBypass AllowSubnetBypass // subnet bypass configuration
	JWT               JWTSettings       // token authentication configuration
	SessionSecret     string            // secret for session cookie
}

// InputConfig holds settings for file or directory analysis
type InputConfig struct {
	Path      string `yaml:"-"` // path to input file or directory
	Recursive bool   `yaml:"-"` // true for recursive directory analysis
	Watch     bool   `yaml:"-"` // true to watch directory for new files
}

// BackupRetention defines backup retention policy
type BackupRetention struct {
	MaxAge     string `yaml:"maxage"`     // Duration string like "30d", "6m", "1y"
	MaxBackups int    `yaml:"maxbackups"` // Maximum number of backups to keep
	MinBackups int    `yaml:"minbackups"` // Minimum number of backups to keep regardless of age
}

// BackupTarget defines settings for a backup target
type BackupTarget struct {
	Type     string         `yaml:"type"`     // "local", "ftp", "sftp", "rsync"
	Enabled  bool           `yaml:"enabled"`  // true to enable this target
	Settings map[string]any `yaml:"settings"` // Target-specific settings
}

// BackupConfig defines the configuration for backups
type BackupConfig struct {
	Enabled       bool            `yaml:"enabled"`        // true to enable backup functionality
	Debug         bool            `yaml:"debug"`          // true to enable debug logging
	Schedule      string          `yaml:"schedule"`       // Cron expression for backup schedule
	Encryption    bool            `yaml:"encryption"`     // true to enable backup encryption
	EncryptionKey string          `yaml:"encryption_key"` // AES-256 key for encrypting backups (hex-encoded)
	Retention     BackupRetention `yaml:"retention"`      // Backup retention settings
	Targets       []BackupTarget  `yaml:"targets"`        // List of backup targets
}

// Settings contains all configuration options for the ChestNet-Go application.
type Settings struct {
	Debug bool // true to enable debug mode

	// Runtime values, not stored in config file
	Version   string `yaml:"-"` // Version from build
	BuildDate string `yaml:"-"` // Build date from build
	SystemID  string `yaml:"-"` // Anonymous installation identifier for telemetry

	Main struct {
		Name      string    // name of the ChestNet-Go node, used to identify the triage source
		TimeAs24h bool      // true 24-hour time format, false 12-hour time format
		Log       LogConfig // logging configuration
	}

	Ensemble EnsembleConfig // classifier ensemble configuration

	Triage TriageSettings // triage pipeline settings

	Batch BatchSettings // batch upload settings

	Media MediaSettings // media storage settings

	Appointment AppointmentSettings // appointment scheduling settings

	Report ReportSettings // PDF report settings

	Notification NotificationSettings // notification settings

	MQTT MQTTSettings // MQTT integration settings

	Monitoring MonitoringSettings // system resource monitoring settings

	Sentry SentrySettings // error telemetry settings

	Telemetry TelemetrySettings // metrics endpoint settings

	Input InputConfig `yaml:"-"` // Input configuration for file and directory analysis

	WebServer struct {
		Debug   bool      // true to enable debug mode
		Enabled bool      // true to enable web server
		Port    string    // port for web server
		Log     LogConfig // logging configuration for web server
	}

	Security Security // security configuration

	Output struct {
		SQLite struct {
			Enabled bool   // true to enable sqlite output
			Path    string // path to sqlite database
			TempDir string // path to temporary directory for backups
		}

		MySQL struct {
			Enabled  bool   // true to enable mysql output
			Username string // username for mysql database
			Password string // password for mysql database
			Database string // database name for mysql database
			Host     string // host for mysql database
			Port     string // port for mysql database
		}
	}

	Backup BackupConfig // Backup configuration
}

// LogConfig defines the configuration for a log file
type LogConfig struct {
	Enabled     bool         // true to enable this log
	Path        string       // Path to the log file
	Rotation    RotationType // Type of log rotation
	MaxSize     int64        // Max size in bytes for RotationSize
	RotationDay string       // Day of the week for RotationWeekly (as a string: "Sunday", "Monday", etc.)
}

// RotationType defines different types of log rotations.
type RotationType string

const (
	RotationDaily  RotationType = "daily"
	RotationWeekly RotationType = "weekly"
	RotationSize   RotationType = "size"
)

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	// Create a new settings struct
	settings := &Settings{}

	// Initialize viper and read config
	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	// Unmarshal the config into settings
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	// Validate settings
	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	// Save settings instance
	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Get OS specific config paths
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	// Assign config paths to Viper
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	// Set default values for each configuration parameter
	// function defined in defaults.go
	setDefaultConfig()

	// Bind environment variable overrides
	// function defined in env.go
	if err := configureEnvironmentVariables(); err != nil {
		log.Printf("Environment variable configuration warnings: %v", err)
	}

	// Read configuration file
	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// Config file not found, create config with defaults
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig creates a default config file and writes it to the default config path
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")
	defaultConfig := getDefaultConfig()

	// If the JWT secret is not set, generate a random one
	if viper.GetString("security.jwt.secret") == "" {
		viper.Set("security.jwt.secret", GenerateRandomSecret())
	}

	// Create directories for config file
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	// Write default config file
	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig reads the default configuration from the embedded config.yaml file.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}
	return string(data)
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SaveSettings saves the current settings to the configuration file.
// It uses SaveYAMLConfig to handle the atomic write process.
func SaveSettings() error {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()

	// Create a deep copy of the settings
	settingsCopy := *settingsInstance

	// Copy slices that would otherwise alias the live instance
	settingsCopy.Ensemble.Models = make([]ModelSpec, len(settingsInstance.Ensemble.Models))
	copy(settingsCopy.Ensemble.Models, settingsInstance.Ensemble.Models)
	settingsCopy.Notification.Providers = make([]NotificationProvider, len(settingsInstance.Notification.Providers))
	copy(settingsCopy.Notification.Providers, settingsInstance.Notification.Providers)

	// Find the path of the current config file
	configPath, err := FindConfigFile()
	if err != nil {
		return fmt.Errorf("error finding config file: %w", err)
	}

	// Save the settings to the config file
	if err := SaveYAMLConfig(configPath, &settingsCopy); err != nil {
		return fmt.Errorf("error saving config: %w", err)
	}

	log.Printf("Settings saved successfully to %s", configPath)
	return nil
}

// Setting returns the current settings instance, initializing it if necessary
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			_, err := Load()
			if err != nil {
				log.Fatalf("Error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}

// SaveYAMLConfig updates the YAML configuration file with new settings.
// It overwrites the existing file, not preserving comments or structure.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	// Marshal the settings struct to YAML
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	// Write the YAML data to a temporary file
	// This is done to ensure atomic write operation
	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	// Ensure the temporary file is removed in case of any failure
	defer os.Remove(tempFileName)

	// Write the YAML data to the temporary file
	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	// Close the temporary file after writing
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	// Try to rename the temporary file to replace the original config file
	// This is typically an atomic operation on most filesystems
	if err := os.Rename(tempFileName, configPath); err != nil {
		// If rename fails (e.g., cross-device link), fall back to copy & delete
		// This might happen when the temp directory is on a different filesystem
		if err := moveFile(tempFileName, configPath); err != nil {
			return fmt.Errorf("error copying config file: %w", err)
		}
	}

	// If we've reached this point, the operation was successful
	return nil
}

// GenerateRandomSecret generates a URL-safe base64 encoded random string
// suitable for use as a signing secret. The output is 43 characters long,
// providing 256 bits of entropy.
func GenerateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		// Log the error and return a safe fallback or empty string
		log.Printf("Failed to generate random secret: %v", err)
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}

// EnabledModels returns the enabled subset of the ensemble roster in
// configuration order.
func (s *Settings) EnabledModels() []ModelSpec {
	enabled := make([]ModelSpec, 0, len(s.Ensemble.Models))
	for _, m := range s.Ensemble.Models {
		if m.Enabled {
			enabled = append(enabled, m)
		}
	}
	return enabled
}
