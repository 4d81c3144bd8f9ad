package api

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/chestnet/chestnet-go/internal/conf"
)

// Config holds HTTP server settings derived from the runtime
// configuration.
type Config struct {
	Host string
	Port int

	// AutoTLS provisions certificates through Let's Encrypt and
	// requires Host plus reachable ports 80 and 443.
	AutoTLS     bool
	TLSHostname string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// BodyLimit caps request bodies, sized for batch uploads of
	// full-resolution radiographs.
	BodyLimit string

	Debug bool
}

// DefaultConfig returns server settings suitable for development.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    0, // streaming endpoints manage their own deadlines
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		BodyLimit:       "256M",
	}
}

// ConfigFromSettings builds the server config from application settings.
func ConfigFromSettings(settings *conf.Settings) (Config, error) {
	cfg := DefaultConfig()
	if settings == nil {
		return cfg, fmt.Errorf("settings cannot be nil")
	}

	if settings.WebServer.Port != "" {
		port, err := strconv.Atoi(settings.WebServer.Port)
		if err != nil {
			return cfg, fmt.Errorf("invalid web server port %q: %w", settings.WebServer.Port, err)
		}
		cfg.Port = port
	}

	cfg.Debug = settings.WebServer.Debug
	cfg.AutoTLS = settings.Security.AutoTLS
	cfg.TLSHostname = settings.Security.Host

	if limit := settings.Batch.MaxFileSizeMB; limit > 0 {
		// Leave headroom for multipart framing and several files per
		// batch request.
		cfg.BodyLimit = strconv.Itoa(limit*8) + "M"
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.AutoTLS && c.TLSHostname == "" {
		return fmt.Errorf("autotls requires a hostname")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

// Address returns the host:port listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
