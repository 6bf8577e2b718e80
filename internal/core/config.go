package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/careerhive/sentinel/internal/counter"
	"github.com/careerhive/sentinel/internal/geoip"
)

// Config holds the entire sentinel configuration.
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Redis     counter.RedisConfig `yaml:"redis"`
	Store     StoreConfig         `yaml:"store"`
	Bus       BusConfig           `yaml:"bus"`
	GeoIP     geoip.Config        `yaml:"geoip"`
	Rules     RulesConfig         `yaml:"rules"`
	RateLimit RateLimitConfig     `yaml:"rate_limit"`
	Notify    NotifyConfig        `yaml:"notify"`
	Logging   LoggingConfig       `yaml:"logging"`

	// SigningKey is loaded from the SENTINEL_SIGNING_KEY environment
	// variable, never from the config file.
	SigningKey string `yaml:"-"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host    string   `yaml:"host"`
	Port    int      `yaml:"port"`
	APIKeys []string `yaml:"api_keys"`
}

// StoreConfig holds durable store settings.
type StoreConfig struct {
	Path      string `yaml:"path"`       // events + alerts database
	AuditPath string `yaml:"audit_path"` // audit trail database
}

// RulesConfig holds rule registry settings.
type RulesConfig struct {
	File               string `yaml:"file"` // optional JSON overlay
	DedupWindowSeconds int    `yaml:"dedup_window_seconds"`
	RecentBuffer       int    `yaml:"recent_buffer"`
}

// RateLimitConfig holds external-provider admission settings.
type RateLimitConfig struct {
	Provider          string `yaml:"provider"`
	RequestsPerMinute int64  `yaml:"requests_per_minute"`
	RequestsPerDay    int64  `yaml:"requests_per_day"`
}

// NotifyConfig holds security-team notification settings.
type NotifyConfig struct {
	WebhookURLs []string `yaml:"webhook_urls"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with working defaults: in-memory
// counters, local SQLite files, no bus, geo lookups disabled.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8460,
		},
		Store: StoreConfig{
			Path:      "./data/sentinel.db",
			AuditPath: "./data/audit.db",
		},
		Bus: BusConfig{
			Enabled:  false,
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
			URL:      "nats://127.0.0.1:4222",
		},
		GeoIP: geoip.Config{
			Enabled: false,
			Timeout: 3 * time.Second,
		},
		Rules: RulesConfig{
			RecentBuffer: 1000,
		},
		RateLimit: RateLimitConfig{
			Provider:          "default",
			RequestsPerMinute: 60,
			RequestsPerDay:    5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults, then overlays secrets from the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if len(cfg.Server.APIKeys) == 0 {
		if envKey := os.Getenv("SENTINEL_API_KEY"); envKey != "" {
			cfg.Server.APIKeys = []string{envKey}
		}
	}
	cfg.SigningKey = os.Getenv("SENTINEL_SIGNING_KEY")
	if cfg.Redis.Password == "" {
		cfg.Redis.Password = os.Getenv("SENTINEL_REDIS_PASSWORD")
	}

	return cfg, nil
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.SigningKey == "" {
		return fmt.Errorf("SENTINEL_SIGNING_KEY is required: audit entries cannot be signed without it")
	}
	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.RequestsPerDay <= 0 {
		return fmt.Errorf("rate limit ceilings must be positive")
	}
	return nil
}

// LogLevel returns the normalized log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled reports whether API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks a presented key against the configured keys in
// constant time.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

// DedupWindow returns the optional alert dedup window.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Rules.DedupWindowSeconds) * time.Second
}
