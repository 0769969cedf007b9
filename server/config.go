package server

import (
	"fmt"
	"time"

	"github.com/pipeworks-io/pipeworks/server/middleware"
)

// Config holds HTTP server configuration. Durations are strings so they can
// be set from environment variables ("30s", "2m").
type Config struct {
	Host            string                `yaml:"host" mapstructure:"host" json:"host"`
	Port            int                   `yaml:"port" mapstructure:"port" json:"port"`
	ReadTimeout     string                `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    string                `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout     string                `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout string                `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodySize     string                `yaml:"max_body_size" mapstructure:"max_body_size" json:"max_body_size"` // e.g. "10MB"
	RatePerMinute   int                   `yaml:"rate_per_minute" mapstructure:"rate_per_minute" json:"rate_per_minute"`
	CORS            middleware.CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`
}

// ApplyDefaults sets sensible default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 5000
	}
	if c.ReadTimeout == "" {
		c.ReadTimeout = "30s"
	}
	if c.WriteTimeout == "" {
		// Event and log subscriptions hold the write side open indefinitely.
		c.WriteTimeout = "0s"
	}
	if c.IdleTimeout == "" {
		c.IdleTimeout = "120s"
	}
	if c.ShutdownTimeout == "" {
		c.ShutdownTimeout = "15s"
	}
	if c.MaxBodySize == "" {
		c.MaxBodySize = "10MB"
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
	if len(c.CORS.AllowedMethods) == 0 {
		c.CORS.AllowedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	if len(c.CORS.AllowedHeaders) == 0 {
		c.CORS.AllowedHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535 (got: %d)", c.Port)
	}
	for name, v := range map[string]string{
		"server.read_timeout":     c.ReadTimeout,
		"server.write_timeout":    c.WriteTimeout,
		"server.idle_timeout":     c.IdleTimeout,
		"server.shutdown_timeout": c.ShutdownTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.RatePerMinute < 0 {
		return fmt.Errorf("server.rate_per_minute must be non-negative (got: %d)", c.RatePerMinute)
	}
	return nil
}

// duration parses a validated duration string, falling back to def.
func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
