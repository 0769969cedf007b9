package logbus

import (
	"fmt"
	"time"
)

// Config holds log bus settings.
type Config struct {
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"-"`
	DB       int    `mapstructure:"db" json:"db"`
	// KeyPrefix namespaces stream keys so the bus can share a Redis with the
	// task broker.
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`
	// TopicTTL is the hard expiry set when a topic is created. Orphaned
	// streams are garbage-collected by Redis after this window.
	TopicTTL string `mapstructure:"topic_ttl" json:"topic_ttl"`
	// ConsumeBlock is how long a consumer blocks per read round trip.
	ConsumeBlock string `mapstructure:"consume_block" json:"consume_block"`
	// ConsumeBatch is the max records fetched per read.
	ConsumeBatch int64 `mapstructure:"consume_batch" json:"consume_batch"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "pipeworks:logs:"
	}
	if c.TopicTTL == "" {
		c.TopicTTL = "24h"
	}
	if c.ConsumeBlock == "" {
		c.ConsumeBlock = "2s"
	}
	if c.ConsumeBatch == 0 {
		c.ConsumeBatch = 100
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := time.ParseDuration(c.TopicTTL); err != nil {
		return fmt.Errorf("logbus: invalid topic_ttl: %w", err)
	}
	if _, err := time.ParseDuration(c.ConsumeBlock); err != nil {
		return fmt.Errorf("logbus: invalid consume_block: %w", err)
	}
	if c.ConsumeBatch < 0 {
		return fmt.Errorf("logbus: consume_batch must be >= 0")
	}
	return nil
}

func (c *Config) topicTTL() time.Duration {
	d, _ := time.ParseDuration(c.TopicTTL)
	return d
}

func (c *Config) consumeBlock() time.Duration {
	d, _ := time.ParseDuration(c.ConsumeBlock)
	return d
}
