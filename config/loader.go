package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvSpecFile names the environment variable pointing to the YAML spec file.
const EnvSpecFile = "API_SPEC"

// LoaderConfig holds optional file overrides and explicit settings.
type LoaderConfig struct {
	// SpecFile is the YAML spec file. Empty falls back to $API_SPEC, then to
	// the standard search locations.
	SpecFile string
	// EnvFile is the .env file. Empty searches the standard locations.
	EnvFile string
	// Overrides are applied last, above process environment. CLI flags land
	// here.
	Overrides map[string]any
}

// LoaderOption is a functional option for Load.
type LoaderOption func(*LoaderConfig)

// WithSpecFile sets an explicit YAML spec file path.
func WithSpecFile(path string) LoaderOption {
	return func(lc *LoaderConfig) { lc.SpecFile = path }
}

// WithEnvFile sets an explicit .env file path.
func WithEnvFile(path string) LoaderOption {
	return func(lc *LoaderConfig) { lc.EnvFile = path }
}

// WithOverride sets one key above every other source.
func WithOverride(key string, value any) LoaderOption {
	return func(lc *LoaderConfig) {
		if lc.Overrides == nil {
			lc.Overrides = make(map[string]any)
		}
		lc.Overrides[key] = value
	}
}

// Load builds the full configuration. Precedence, lowest to highest:
// struct defaults, .env file, the YAML spec file, process environment,
// explicit overrides. The loaded config has defaults applied and is
// validated.
func Load(opts ...LoaderOption) (*Config, error) {
	var lc LoaderConfig
	for _, opt := range opts {
		opt(&lc)
	}

	// Record which variables the process itself carries before the .env file
	// is merged in. godotenv never overrides existing variables, so anything
	// new after the load came from the file and binds below the spec file;
	// real process environment binds above it.
	fromProcess := make(map[string]bool)
	for _, env := range os.Environ() {
		if name, _, ok := strings.Cut(env, "="); ok {
			fromProcess[name] = true
		}
	}

	envFile := lc.EnvFile
	if envFile == "" {
		envFile = findFile([]string{".env", "config/.env", "../.env"})
	}
	if envFile != "" && exists(envFile) {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	v := viper.New()

	specFile := lc.SpecFile
	if specFile == "" {
		specFile = os.Getenv(EnvSpecFile)
	}
	if specFile == "" {
		specFile = findFile([]string{"pipeworks.yml", "config/pipeworks.yml", "config.yml"})
	}
	if specFile != "" {
		if !exists(specFile) {
			return nil, fmt.Errorf("config: spec file %s not found", specFile)
		}
		v.SetConfigFile(specFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", specFile, err)
		}
	}

	// Process environment above the spec file, .env-sourced variables below
	// it. PIPEWORKS_BROKER_BROKERS maps to broker.brokers and so on.
	bindEnv(v, fromProcess)

	for key, val := range lc.Overrides {
		v.Set(key, val)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envPrefix namespaces the process-environment keys.
const envPrefix = "PIPEWORKS_"

// bindEnv binds every PIPEWORKS_* variable under each plausible nested key:
// process-sourced variables as explicit values, .env-sourced ones as
// defaults. SECTION_REST maps to section.rest for every split point, so
// PIPEWORKS_SIGNED_URL_MAX_EXPIRES_IN_SEC reaches
// signed_url.max_expires_in_sec without a per-key binding table.
func bindEnv(v *viper.Viper, fromProcess map[string]bool) {
	for _, env := range os.Environ() {
		pair := strings.SplitN(env, "=", 2)
		if len(pair) != 2 || !strings.HasPrefix(pair[0], envPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(pair[0], envPrefix))
		for _, variant := range keyVariants(key) {
			if fromProcess[pair[0]] {
				v.Set(variant, pair[1])
			} else {
				v.SetDefault(variant, pair[1])
			}
		}
	}
}

// keyVariants expands an underscore key into every section.rest split.
// "broker_redis_addr" yields itself plus "broker.redis_addr",
// "broker_redis.addr" is not generated: only the first separator becomes a
// section boundary, then recursively for the rest.
func keyVariants(key string) []string {
	parts := strings.Split(key, "_")
	variants := []string{key}
	for i := 1; i < len(parts); i++ {
		variants = append(variants, strings.Join(parts[:i], "_")+"."+strings.Join(parts[i:], "_"))
	}
	return variants
}

// decodeHooks converts the flexible wire forms: list-valued settings accept
// a JSON array or a comma-separated string, map-valued settings accept a
// JSON object.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		stringToSliceHook(),
		stringToMapHook(),
	)
}

func stringToSliceHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Slice {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}
		if strings.HasPrefix(raw, "[") {
			var out []string
			if err := json.Unmarshal([]byte(raw), &out); err != nil {
				return nil, fmt.Errorf("invalid JSON list %q: %w", raw, err)
			}
			return out, nil
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out, nil
	}
}

func stringToMapHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Map {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return map[string]any{}, nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("invalid JSON object %q: %w", raw, err)
		}
		return out, nil
	}
}

func findFile(candidates []string) string {
	for _, path := range candidates {
		if exists(path) {
			return path
		}
	}
	return ""
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
