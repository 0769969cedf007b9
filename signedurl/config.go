package signedurl

import "fmt"

// Provider names with built-in bindings.
const (
	ProviderS3    = "s3"
	ProviderLocal = "local"
)

// Config holds signed-URL provider settings.
type Config struct {
	// Provider selects the registered factory.
	Provider string `mapstructure:"provider" json:"provider"`
	// MaxExpiresInSec bounds caller-supplied TTLs.
	MaxExpiresInSec int64 `mapstructure:"max_expires_in_sec" json:"max_expires_in_sec"`

	// Local provider: a signed token embedded in download/upload endpoints.
	BaseURL   string `mapstructure:"base_url" json:"base_url"`
	Secret    string `mapstructure:"secret" json:"-"`
	Algorithm string `mapstructure:"algorithm" json:"algorithm"`
	// DownloadRoots and UploadRoots are the allow-lists enforced when a
	// token is redeemed.
	DownloadRoots []string `mapstructure:"download_roots" json:"download_roots"`
	UploadRoots   []string `mapstructure:"upload_roots" json:"upload_roots"`
	// UploadMaxBytes caps one uploaded file.
	UploadMaxBytes int64 `mapstructure:"upload_max_bytes" json:"upload_max_bytes"`

	// S3 provider.
	Region    string `mapstructure:"region" json:"region"`
	Bucket    string `mapstructure:"bucket" json:"bucket"`
	Endpoint  string `mapstructure:"endpoint" json:"endpoint"`
	AccessKey string `mapstructure:"access_key" json:"-"`
	SecretKey string `mapstructure:"secret_key" json:"-"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderLocal
	}
	if c.MaxExpiresInSec == 0 {
		c.MaxExpiresInSec = 43200 // 12h
	}
	if c.Algorithm == "" {
		c.Algorithm = "HS256"
	}
	if c.UploadMaxBytes == 0 {
		c.UploadMaxBytes = 64 << 20
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxExpiresInSec < 0 {
		return fmt.Errorf("signedurl: max_expires_in_sec must be >= 0")
	}
	if c.Provider == ProviderLocal && c.Secret == "" {
		return fmt.Errorf("signedurl: local provider requires a secret")
	}
	if c.Provider == ProviderS3 && c.Bucket == "" {
		return fmt.Errorf("signedurl: s3 provider requires a bucket")
	}
	return nil
}
