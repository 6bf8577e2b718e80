package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Port != 8460 {
		t.Errorf("port = %d, want 8460", cfg.Server.Port)
	}
	if cfg.RateLimit.RequestsPerMinute != 60 || cfg.RateLimit.RequestsPerDay != 5000 {
		t.Errorf("rate limits = %d/min %d/day", cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.RequestsPerDay)
	}
	if cfg.Bus.Enabled {
		t.Error("bus should default to disabled")
	}
	if cfg.GeoIP.Enabled {
		t.Error("geo lookups should default to disabled")
	}
	if cfg.AuthEnabled() {
		t.Error("auth should default to disabled")
	}
}

func TestLoadConfig_FileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9999
rules:
  dedup_window_seconds: 120
rate_limit:
  provider: linkedin
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.DedupWindow() != 2*time.Minute {
		t.Errorf("dedup window = %v, want 2m", cfg.DedupWindow())
	}
	if cfg.RateLimit.Provider != "linkedin" {
		t.Errorf("provider = %s", cfg.RateLimit.Provider)
	}
	// Untouched settings keep their defaults.
	if cfg.Store.Path != "./data/sentinel.db" {
		t.Errorf("store path = %s", cfg.Store.Path)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8460 {
		t.Errorf("port = %d, want default", cfg.Server.Port)
	}
}

func TestLoadConfig_SecretsFromEnvironment(t *testing.T) {
	t.Setenv("SENTINEL_SIGNING_KEY", "test-signing-key")
	t.Setenv("SENTINEL_API_KEY", "test-api-key")
	t.Setenv("SENTINEL_REDIS_PASSWORD", "test-redis-pw")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SigningKey != "test-signing-key" {
		t.Error("signing key not read from environment")
	}
	if !cfg.AuthEnabled() || !cfg.ValidateAPIKey("test-api-key") {
		t.Error("API key not read from environment")
	}
	if cfg.Redis.Password != "test-redis-pw" {
		t.Error("redis password not read from environment")
	}
}

func TestConfig_ValidateRequiresSigningKey(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("missing signing key accepted")
	}
	cfg.SigningKey = "k"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	cfg.RateLimit.RequestsPerMinute = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero rate limit ceiling accepted")
	}
}

func TestConfig_ValidateAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.APIKeys = []string{"alpha", "beta"}
	if !cfg.ValidateAPIKey("alpha") || !cfg.ValidateAPIKey("beta") {
		t.Error("configured key rejected")
	}
	if cfg.ValidateAPIKey("gamma") || cfg.ValidateAPIKey("") {
		t.Error("unknown key accepted")
	}
}
