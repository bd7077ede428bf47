// ABOUTME: Configuration loading and parsing for dm-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "DM_GATEWAY_CONFIG"

// Config represents the complete dm-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch"`
	Journal   JournalConfig   `yaml:"journal" toml:"journal"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional gRPC health endpoint
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve :443 with tailnet certificates instead of :80
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL          time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw       string        `yaml:"token_ttl" toml:"token_ttl"`
	LoginPasswordHash string        `yaml:"login_password_hash" toml:"login_password_hash"` // bcrypt; empty disables /auth/login
	DevLogin          bool          `yaml:"dev_login" toml:"dev_login"`
}

// DispatchConfig tunes message handling
type DispatchConfig struct {
	MaxContentLength int           `yaml:"max_content_length" toml:"max_content_length"`
	PreviewLength    int           `yaml:"preview_length" toml:"preview_length"`
	UnreadStrategy   string        `yaml:"unread_strategy" toml:"unread_strategy"` // "fixed" or "store"
	HistoryLimit     int           `yaml:"history_limit" toml:"history_limit"`
	DedupeTTL        time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw     string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// JournalConfig controls the per-send delivery journal
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text" or "json"
}

// DefaultPath returns the config path from DM_GATEWAY_CONFIG, falling back to
// $XDG_CONFIG_HOME/dm-gateway/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "dm-gateway", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset optional fields.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}
	if c.Dispatch.MaxContentLength == 0 {
		c.Dispatch.MaxContentLength = 500
	}
	if c.Dispatch.PreviewLength == 0 {
		c.Dispatch.PreviewLength = 40
	}
	if c.Dispatch.UnreadStrategy == "" {
		c.Dispatch.UnreadStrategy = "fixed"
	}
	if c.Dispatch.HistoryLimit == 0 {
		c.Dispatch.HistoryLimit = 50
	}
	if c.Dispatch.DedupeTTL == 0 {
		c.Dispatch.DedupeTTL = 5 * time.Minute
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(filepath.Dir(c.Database.Path), "message_log.ndjson")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be \"sqlite\" or \"sqlite3\", got %q", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}

	if c.Dispatch.MaxContentLength < 1 {
		return fmt.Errorf("dispatch.max_content_length must be positive")
	}
	if c.Dispatch.PreviewLength < 4 {
		return fmt.Errorf("dispatch.preview_length must be at least 4")
	}
	if c.Dispatch.UnreadStrategy != "fixed" && c.Dispatch.UnreadStrategy != "store" {
		return fmt.Errorf("dispatch.unread_strategy must be \"fixed\" or \"store\", got %q", c.Dispatch.UnreadStrategy)
	}
	if c.Dispatch.HistoryLimit < 1 || c.Dispatch.HistoryLimit > 200 {
		return fmt.Errorf("dispatch.history_limit must be between 1 and 200")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	if cfg.Dispatch.DedupeTTLRaw != "" {
		cfg.Dispatch.DedupeTTL, err = time.ParseDuration(cfg.Dispatch.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Dispatch.DedupeTTLRaw, err)
		}
	}

	return nil
}
