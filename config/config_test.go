package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(WithSpecFile(""), WithEnvFile(filepath.Join(t.TempDir(), "absent")),
		WithOverride("signed_url.secret", "s"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "pipeworks" {
		t.Errorf("name = %q", cfg.Name)
	}
	if cfg.Store.Path == "" {
		t.Error("store path default missing")
	}
	if cfg.Broker.Queue == "" {
		t.Error("broker queue default missing")
	}
	if cfg.SignedURL.Provider != "local" {
		t.Errorf("signed_url provider = %q", cfg.SignedURL.Provider)
	}
}

func TestLoadSpecFile(t *testing.T) {
	dir := t.TempDir()
	spec := writeFile(t, dir, "pipeworks.yml", `
name: pw-test
environment: staging
store:
  path: /var/lib/pw.db
signed_url:
  secret: from-yaml
sanitize:
  masks:
    /data/real: /data
  allowed_roots:
    - /data/real
  unique_paths:
    - text_out
ingress:
  events:
    example00:
      source: scanner.acme.com
      type: com.acme.file.created
`)
	cfg, err := Load(WithSpecFile(spec), WithEnvFile(filepath.Join(dir, "absent")))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "pw-test" || cfg.Environment != "staging" {
		t.Errorf("base = %q/%q", cfg.Name, cfg.Environment)
	}
	if cfg.Store.Path != "/var/lib/pw.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if got := cfg.Sanitize.Masks["/data/real"]; got != "/data" {
		t.Errorf("mask = %q", got)
	}
	if len(cfg.Sanitize.UniquePaths) != 1 || cfg.Sanitize.UniquePaths[0] != "text_out" {
		t.Errorf("unique_paths = %v", cfg.Sanitize.UniquePaths)
	}
	if got := cfg.Ingress.Matches("scanner.acme.com", "com.acme.file.created"); len(got) != 1 || got[0] != "example00" {
		t.Errorf("ingress matches = %v", got)
	}
	if got := cfg.Ingress.Matches("scanner.acme.com", "other"); len(got) != 0 {
		t.Errorf("ingress false match = %v", got)
	}
}

func TestEnvBeatsSpecFile(t *testing.T) {
	dir := t.TempDir()
	spec := writeFile(t, dir, "pipeworks.yml", "name: from-yaml\nsigned_url:\n  secret: s\n")
	t.Setenv("PIPEWORKS_NAME", "from-env")
	t.Setenv("PIPEWORKS_STORE_PATH", "/tmp/env.db")

	cfg, err := Load(WithSpecFile(spec), WithEnvFile(filepath.Join(dir, "absent")))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "from-env" {
		t.Errorf("name = %q, want env value", cfg.Name)
	}
	if cfg.Store.Path != "/tmp/env.db" {
		t.Errorf("store path = %q, want env value", cfg.Store.Path)
	}
}

func TestOverrideBeatsEnv(t *testing.T) {
	t.Setenv("PIPEWORKS_NAME", "from-env")
	cfg, err := Load(
		WithSpecFile(""),
		WithEnvFile(filepath.Join(t.TempDir(), "absent")),
		WithOverride("name", "from-flag"),
		WithOverride("signed_url.secret", "s"),
	)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "from-flag" {
		t.Errorf("name = %q, want override value", cfg.Name)
	}
}

func TestDotEnvBelowSpecFile(t *testing.T) {
	dir := t.TempDir()
	env := writeFile(t, dir, ".env", "PIPEWORKS_NAME=from-dotenv\nPIPEWORKS_STORE_PATH=/tmp/dotenv.db\n")
	spec := writeFile(t, dir, "pipeworks.yml", "name: from-yaml\nsigned_url:\n  secret: s\n")
	t.Cleanup(func() {
		os.Unsetenv("PIPEWORKS_NAME")
		os.Unsetenv("PIPEWORKS_STORE_PATH")
	})

	cfg, err := Load(WithSpecFile(spec), WithEnvFile(env))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "from-yaml" {
		t.Errorf("name = %q, spec file should beat .env", cfg.Name)
	}
	if cfg.Store.Path != "/tmp/dotenv.db" {
		t.Errorf("store path = %q, .env should beat defaults", cfg.Store.Path)
	}
}

func TestListAcceptsJSONOrCSV(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{"json array", `["/a","/b"]`, []string{"/a", "/b"}},
		{"csv", "/a, /b", []string{"/a", "/b"}},
		{"single", "/a", []string{"/a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PIPEWORKS_SANITIZE_ALLOWED_ROOTS", tt.value)
			cfg, err := Load(WithSpecFile(""), WithEnvFile(filepath.Join(t.TempDir(), "absent")),
				WithOverride("signed_url.secret", "s"))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(cfg.Sanitize.AllowedRoots) != len(tt.want) {
				t.Fatalf("roots = %v, want %v", cfg.Sanitize.AllowedRoots, tt.want)
			}
			for i := range tt.want {
				if cfg.Sanitize.AllowedRoots[i] != tt.want[i] {
					t.Errorf("roots[%d] = %q, want %q", i, cfg.Sanitize.AllowedRoots[i], tt.want[i])
				}
			}
		})
	}
}

func TestMapAcceptsJSONObject(t *testing.T) {
	t.Setenv("PIPEWORKS_SANITIZE_MASKS", `{"/real/path":"/masked"}`)
	cfg, err := Load(WithSpecFile(""), WithEnvFile(filepath.Join(t.TempDir(), "absent")),
		WithOverride("signed_url.secret", "s"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Sanitize.Masks["/real/path"]; got != "/masked" {
		t.Errorf("mask = %q", got)
	}
}

func TestMaskListOrdering(t *testing.T) {
	sc := SanitizeConfig{Masks: map[string]string{
		"/data":      "/d",
		"/data/deep": "/dd",
	}}
	masks := sc.MaskList()
	if len(masks) != 2 || masks[0].Prefix != "/data/deep" {
		t.Errorf("longest prefix should sort first: %+v", masks)
	}
}

func TestValidateRejectsBadEnvironment(t *testing.T) {
	cfg := &Config{Environment: "qa"}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("environment qa accepted")
	}
}
