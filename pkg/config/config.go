// Package config resolves server configuration in three layers: built-in
// defaults, an optional YAML profile, and environment variables. Later
// layers win.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aprio-one/converge/pkg/budget"
)

// ArchiveConfig selects the snapshot archive backend.
type ArchiveConfig struct {
	Backend  string `yaml:"backend" json:"backend"` // "memory" | "s3" | "gcs"
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"` // custom S3 endpoint (MinIO)
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// Config holds server configuration.
type Config struct {
	Port     string `yaml:"port" json:"port"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	// DatabaseURL selects the SQL ledger backend; empty runs in-memory.
	DatabaseURL string `yaml:"database_url,omitempty" json:"database_url,omitempty"`
	// RedisAddr enables the distributed cost limiter; empty stays local.
	RedisAddr string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	// AuthSecret enables bearer-token auth on the API; empty disables it.
	AuthSecret string `yaml:"auth_secret,omitempty" json:"auth_secret,omitempty"`

	RateRPS      int    `yaml:"rate_rps" json:"rate_rps"`
	RateBurst    int    `yaml:"rate_burst" json:"rate_burst"`
	MaxResumeGap uint64 `yaml:"max_resume_gap" json:"max_resume_gap"`

	// Deterministic pins all sources to the canned provider.
	Deterministic bool `yaml:"deterministic" json:"deterministic"`

	DefaultBudget budget.Budget `yaml:"default_budget" json:"default_budget"`
	Archive       ArchiveConfig `yaml:"archive" json:"archive"`
}

func defaults() *Config {
	return &Config{
		Port:         "8080",
		LogLevel:     "info",
		RateRPS:      50,
		RateBurst:    100,
		MaxResumeGap: 1000,
		DefaultBudget: budget.Budget{
			MaxCycles: 50,
		},
		Archive: ArchiveConfig{Backend: "memory"},
	}
}

// Load resolves configuration from defaults plus environment variables.
func Load() *Config {
	cfg := defaults()
	cfg.applyEnv()
	return cfg
}

// LoadFile resolves configuration from defaults, a YAML profile, and
// environment variables, in that order.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Port, "CONVERGE_PORT")
	setString(&c.LogLevel, "CONVERGE_LOG_LEVEL")
	setString(&c.DatabaseURL, "CONVERGE_DATABASE_URL")
	setString(&c.RedisAddr, "CONVERGE_REDIS_ADDR")
	setString(&c.AuthSecret, "CONVERGE_AUTH_SECRET")
	setInt(&c.RateRPS, "CONVERGE_RATE_RPS")
	setInt(&c.RateBurst, "CONVERGE_RATE_BURST")
	setString(&c.Archive.Backend, "CONVERGE_ARCHIVE_BACKEND")
	setString(&c.Archive.Bucket, "CONVERGE_ARCHIVE_BUCKET")
	setString(&c.Archive.Endpoint, "CONVERGE_ARCHIVE_ENDPOINT")
	if v := os.Getenv("CONVERGE_DETERMINISTIC"); v != "" {
		c.Deterministic = v == "true" || v == "1"
	}
	if v := os.Getenv("CONVERGE_MAX_RESUME_GAP"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.MaxResumeGap = parsed
		}
	}
}

func (c *Config) validate() error {
	switch c.Archive.Backend {
	case "", "memory":
	case "s3", "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("config: archive backend %s requires a bucket", c.Archive.Backend)
		}
	default:
		return fmt.Errorf("config: unknown archive backend %q", c.Archive.Backend)
	}
	return nil
}

// SlogLevel maps the configured log level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}
