// Package config loads and validates the service configuration.
//
// Settings come from, lowest to highest precedence: built-in defaults, an
// optional .env file, the YAML spec file pointed to by $API_SPEC, the
// process environment (PIPEWORKS_ prefix), and explicit overrides such as
// CLI flags. List-valued settings accept a JSON array or a comma-separated
// string; map-valued settings accept a JSON object.
//
//	cfg, err := config.Load(config.WithSpecFile("pipeworks.yml"))
package config
