package broker

import (
	"fmt"
	"time"
)

// Config holds task broker settings: a Kafka queue for durable dispatch and
// a Redis for lifecycle events and results.
type Config struct {
	Brokers []string `mapstructure:"brokers" json:"brokers"`
	// Queue is the Kafka topic carrying task envelopes.
	Queue string `mapstructure:"queue" json:"queue"`
	// GroupID is the worker consumer group.
	GroupID string `mapstructure:"group_id" json:"group_id"`
	// Concurrency caps handlers running in parallel per worker.
	Concurrency int `mapstructure:"concurrency" json:"concurrency"`
	// Retries is how many times an enqueue write is attempted.
	Retries int `mapstructure:"retries" json:"retries"`

	RedisAddr     string `mapstructure:"redis_addr" json:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" json:"-"`
	RedisDB       int    `mapstructure:"redis_db" json:"redis_db"`
	// KeyPrefix namespaces event channels and result keys.
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`
	// ResultTTL bounds how long terminal results stay readable.
	ResultTTL string `mapstructure:"result_ttl" json:"result_ttl"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"localhost:9092"}
	}
	if c.Queue == "" {
		c.Queue = "pipeworks.tasks"
	}
	if c.GroupID == "" {
		c.GroupID = "pipeworks-workers"
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "pipeworks:broker:"
	}
	if c.ResultTTL == "" {
		c.ResultTTL = "24h"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("broker: concurrency must be >= 0")
	}
	if _, err := time.ParseDuration(c.ResultTTL); err != nil {
		return fmt.Errorf("broker: invalid result_ttl: %w", err)
	}
	return nil
}

func (c *Config) resultTTL() time.Duration {
	d, _ := time.ParseDuration(c.ResultTTL)
	return d
}
