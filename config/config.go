package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv
const EnvPrefix = "TIDESYNC_"

// Config represents the daemon configuration
type Config struct {
	// Data storage settings
	DataDir     string `json:"data_dir" env:"DATA_DIR"`
	Driver      string `json:"driver" env:"DRIVER"` // "file", "bolt", "sqlite", "redis", "memory"
	DevicePath  string `json:"device_path" env:"DEVICE_PATH"`
	RedisAddr   string `json:"redis_addr" env:"REDIS_ADDR"`
	RedisDB     int    `json:"redis_db" env:"REDIS_DB"`
	RedisPrefix string `json:"redis_prefix" env:"REDIS_PREFIX"`

	// Cache settings
	DefaultTTL time.Duration            `json:"default_ttl" env:"DEFAULT_TTL"`
	CacheTTLs  map[string]time.Duration `json:"cache_ttls" env:"CACHE_TTLS" envKeyValSeparator:"="`

	// Remote store settings
	RemoteURL       string        `json:"remote_url" env:"REMOTE_URL"`
	RemoteAPIKey    string        `json:"remote_api_key" env:"REMOTE_API_KEY"`
	RemoteJWTSecret string        `json:"remote_jwt_secret" env:"REMOTE_JWT_SECRET"`
	RemoteRole      string        `json:"remote_role" env:"REMOTE_ROLE"`
	RemoteTimeout   time.Duration `json:"remote_timeout" env:"REMOTE_TIMEOUT"`

	// Connectivity settings
	ProbeAddr     string        `json:"probe_addr" env:"PROBE_ADDR"` // empty: derived from RemoteURL
	ProbeTimeout  time.Duration `json:"probe_timeout" env:"PROBE_TIMEOUT"`
	ProbeInterval time.Duration `json:"probe_interval" env:"PROBE_INTERVAL"`
	ManualOnline  bool          `json:"manual_online" env:"MANUAL_ONLINE"` // state set over the admin endpoint

	// Write path settings
	WriteMode    string        `json:"write_mode" env:"WRITE_MODE"` // "direct", "optimistic"
	ApplyTimeout time.Duration `json:"apply_timeout" env:"APPLY_TIMEOUT"`

	// Admin endpoint
	AdminAddr string `json:"admin_addr" env:"ADMIN_ADDR"`

	// Logging settings
	LogLevel string `json:"log_level" env:"LOG_LEVEL"`
	LogFile  string `json:"log_file" env:"LOG_FILE"`

	// Tracing
	OTLPEndpoint string `json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `json:"service_name" env:"SERVICE_NAME"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		// Data storage settings
		DataDir:     "./data",
		Driver:      "file",
		RedisAddr:   "localhost:6379",
		RedisPrefix: "tidesync:",

		// Cache settings
		DefaultTTL: 24 * time.Hour,
		CacheTTLs:  map[string]time.Duration{},

		// Remote store settings
		RemoteRole:    "authenticated",
		RemoteTimeout: 10 * time.Second,

		// Connectivity settings
		ProbeTimeout:  3 * time.Second,
		ProbeInterval: 15 * time.Second,

		// Write path settings
		WriteMode:    "direct",
		ApplyTimeout: 10 * time.Second,

		// Admin endpoint
		AdminAddr: "127.0.0.1:6390",

		// Logging settings
		LogLevel: "info",

		ServiceName: "tidesync",
	}
}

// LoadFromFile loads configuration from a JSON file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	config := DefaultConfig()

	if filename == "" {
		return config, nil
	}

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return config, fmt.Errorf("config file does not exist: %s", filename)
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(content, config); err != nil {
		return nil, fmt.Errorf("failed to parse JSON config: %w", err)
	}

	return config, nil
}

// LoadFromEnv overrides config with TIDESYNC_* environment variables. Unset
// variables leave the current value alone.
func LoadFromEnv(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, content, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}

	validDrivers := []string{"memory", "file", "bolt", "sqlite", "redis"}
	if !oneOf(c.Driver, validDrivers) {
		return fmt.Errorf("invalid driver: %s (valid: %v)", c.Driver, validDrivers)
	}

	if c.Driver == "redis" {
		if c.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty for the redis driver")
		}
		if c.RedisDB < 0 || c.RedisDB > 15 {
			return fmt.Errorf("invalid Redis DB: %d (must be 0-15)", c.RedisDB)
		}
	}

	if c.DefaultTTL <= 0 {
		return fmt.Errorf("default TTL must be positive")
	}
	for ns, ttl := range c.CacheTTLs {
		if ns == "" || strings.Contains(ns, ":") {
			return fmt.Errorf("invalid cache namespace %q", ns)
		}
		if ttl <= 0 {
			return fmt.Errorf("cache TTL for %s must be positive", ns)
		}
	}

	if c.RemoteURL != "" {
		u, err := url.Parse(c.RemoteURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid remote URL: %s", c.RemoteURL)
		}
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote timeout must be positive")
	}
	if c.ApplyTimeout <= 0 {
		return fmt.Errorf("apply timeout must be positive")
	}

	if !c.ManualOnline {
		if c.GetProbeAddress() == "" {
			return fmt.Errorf("probe address or remote URL is required unless manual_online is set")
		}
		if c.ProbeInterval <= 0 || c.ProbeTimeout <= 0 {
			return fmt.Errorf("probe interval and timeout must be positive")
		}
	}

	validModes := []string{"direct", "optimistic"}
	if !oneOf(c.WriteMode, validModes) {
		return fmt.Errorf("invalid write mode: %s (valid: %v)", c.WriteMode, validModes)
	}

	validLevels := []string{"debug", "info"}
	if !oneOf(c.LogLevel, validLevels) {
		return fmt.Errorf("invalid log level: %s (valid: %v)", c.LogLevel, validLevels)
	}

	return nil
}

func oneOf(v string, valid []string) bool {
	for _, s := range valid {
		if v == s {
			return true
		}
	}
	return false
}

// GetProbeAddress returns the host:port dialed to detect connectivity.
// Without an explicit ProbeAddr it is derived from RemoteURL.
func (c *Config) GetProbeAddress() string {
	if c.ProbeAddr != "" {
		return c.ProbeAddr
	}
	u, err := url.Parse(c.RemoteURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// GetDevicePath returns the path of the bolt or sqlite database file
func (c *Config) GetDevicePath() string {
	if c.DevicePath != "" {
		return c.DevicePath
	}
	switch c.Driver {
	case "bolt":
		return filepath.Join(c.DataDir, "tidesync.bolt")
	case "sqlite":
		return filepath.Join(c.DataDir, "tidesync.db")
	}
	return ""
}

// String returns a string representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.RemoteAPIKey != "" {
		masked.RemoteAPIKey = "****"
	}
	if masked.RemoteJWTSecret != "" {
		masked.RemoteJWTSecret = "****"
	}
	content, _ := json.MarshalIndent(&masked, "", "  ")
	return string(content)
}
