package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pipeworks-io/pipeworks/authz"
	"github.com/pipeworks-io/pipeworks/broker"
	"github.com/pipeworks-io/pipeworks/executor"
	"github.com/pipeworks-io/pipeworks/logbus"
	"github.com/pipeworks-io/pipeworks/logger"
	"github.com/pipeworks-io/pipeworks/sanitize"
	"github.com/pipeworks-io/pipeworks/server"
	"github.com/pipeworks-io/pipeworks/signedurl"
	"github.com/pipeworks-io/pipeworks/store"
)

// EventRule matches an inbound event against its source and type attributes.
// A pipeline whose rule matches is created for each such event.
type EventRule struct {
	Source string `yaml:"source" mapstructure:"source" json:"source"`
	Type   string `yaml:"type" mapstructure:"type" json:"type"`
}

// IngressConfig maps pipeline names to the event rules that trigger them.
type IngressConfig struct {
	Events map[string]EventRule `yaml:"events" mapstructure:"events" json:"events"`
}

// Matches returns the pipeline names whose rule matches (source, type),
// sorted for deterministic dispatch order.
func (c IngressConfig) Matches(source, eventType string) []string {
	var names []string
	for name, rule := range c.Events {
		if rule.Source == source && rule.Type == eventType {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// SanitizeConfig carries the path-rewriting tables enforced at the API
// boundary.
type SanitizeConfig struct {
	// Masks maps a real path prefix to the masked form exposed over the API.
	Masks map[string]string `yaml:"masks" mapstructure:"masks" json:"masks"`
	// AllowedRoots restricts inbound dataset paths. Empty disables the check.
	AllowedRoots []string `yaml:"allowed_roots" mapstructure:"allowed_roots" json:"allowed_roots"`
	// UniquePaths names the datasets stamped with the pipeline id on create.
	UniquePaths []string `yaml:"unique_paths" mapstructure:"unique_paths" json:"unique_paths"`
}

// MaskList converts the masks table into the sanitizer's ordered form.
// Longer real prefixes sort first so nested mounts mask correctly.
func (c SanitizeConfig) MaskList() []sanitize.Mask {
	masks := make([]sanitize.Mask, 0, len(c.Masks))
	for prefix, masked := range c.Masks {
		masks = append(masks, sanitize.Mask{Prefix: prefix, Masked: masked})
	}
	sort.Slice(masks, func(i, j int) bool {
		if len(masks[i].Prefix) != len(masks[j].Prefix) {
			return len(masks[i].Prefix) > len(masks[j].Prefix)
		}
		return masks[i].Prefix < masks[j].Prefix
	})
	return masks
}

// TracingConfig holds the OTLP exporter settings.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" json:"endpoint"`
}

// Config aggregates every component's settings. One struct configures both
// daemons; each daemon wires only the components it hosts.
type Config struct {
	Name        string `yaml:"name" mapstructure:"name" json:"name"`
	Environment string `yaml:"environment" mapstructure:"environment" json:"environment"`

	Logging   logger.Config    `yaml:"logging" mapstructure:"logging" json:"logging"`
	Server    server.Config    `yaml:"server" mapstructure:"server" json:"server"`
	Store     store.Config     `yaml:"store" mapstructure:"store" json:"store"`
	Broker    broker.Config    `yaml:"broker" mapstructure:"broker" json:"broker"`
	LogBus    logbus.Config    `yaml:"logbus" mapstructure:"logbus" json:"logbus"`
	Executor  executor.Config  `yaml:"executor" mapstructure:"executor" json:"executor"`
	SignedURL signedurl.Config `yaml:"signed_url" mapstructure:"signed_url" json:"signed_url"`
	Authz     authz.Config     `yaml:"authz" mapstructure:"authz" json:"authz"`
	Sanitize  SanitizeConfig   `yaml:"sanitize" mapstructure:"sanitize" json:"sanitize"`
	Ingress   IngressConfig    `yaml:"ingress" mapstructure:"ingress" json:"ingress"`
	Tracing   TracingConfig    `yaml:"tracing" mapstructure:"tracing" json:"tracing"`
}

// ApplyDefaults applies default values across every section.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "pipeworks"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Logging.ServiceName == "" {
		c.Logging.ServiceName = c.Name
	}
	c.Logging.ApplyDefaults()
	c.Server.ApplyDefaults()
	c.Store.ApplyDefaults()
	c.Broker.ApplyDefaults()
	c.LogBus.ApplyDefaults()
	c.Executor.ApplyDefaults()
	c.SignedURL.ApplyDefaults()
	c.Authz.ApplyDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	validEnvs := []string{"development", "staging", "production"}
	found := false
	for _, v := range validEnvs {
		if c.Environment == v {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("config: environment must be one of [%s] (got: %s)",
			strings.Join(validEnvs, ", "), c.Environment)
	}
	for section, v := range map[string]interface{ Validate() error }{
		"logging":    &c.Logging,
		"server":     &c.Server,
		"store":      &c.Store,
		"broker":     &c.Broker,
		"logbus":     &c.LogBus,
		"executor":   &c.Executor,
		"signed_url": &c.SignedURL,
		"authz":      &c.Authz,
	} {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("config: %s: %w", section, err)
		}
	}
	return nil
}

// String renders the config as JSON with secrets elided, for startup logging.
func (c *Config) String() string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config{%s}", c.Name)
	}
	return string(b)
}
