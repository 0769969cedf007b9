package store

import "fmt"

// Config holds pipeline store settings.
type Config struct {
	// Path is the sqlite database file. ":memory:" keeps the store in RAM.
	Path string `mapstructure:"path" json:"path"`
	// MaxOpenConns caps the connection pool. Sqlite writers are serialized,
	// so this defaults low.
	MaxOpenConns int `mapstructure:"max_open_conns" json:"max_open_conns"`
	// ListBatchSize is how many rows List scans per round trip while
	// evaluating filters.
	ListBatchSize int `mapstructure:"list_batch_size" json:"list_batch_size"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "pipeworks.db"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 4
	}
	if c.ListBatchSize == 0 {
		c.ListBatchSize = 256
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxOpenConns < 0 {
		return fmt.Errorf("store: max_open_conns must be >= 0")
	}
	if c.ListBatchSize < 0 {
		return fmt.Errorf("store: list_batch_size must be >= 0")
	}
	return nil
}
