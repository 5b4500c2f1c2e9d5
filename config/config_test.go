package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Driver != "file" {
		t.Errorf("Expected default driver file, got %s", cfg.Driver)
	}
	if cfg.DefaultTTL != 24*time.Hour {
		t.Errorf("Expected default TTL 24h, got %v", cfg.DefaultTTL)
	}
	if cfg.WriteMode != "direct" {
		t.Errorf("Expected default write mode direct, got %s", cfg.WriteMode)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level info, got %s", cfg.LogLevel)
	}

	// no remote and no probe address: only valid in manual mode
	if err := cfg.Validate(); err == nil {
		t.Error("Default config without remote should require manual_online")
	}
	cfg.ManualOnline = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config with manual connectivity should be valid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.RemoteURL = "https://project.example.com/rest/v1"
		return cfg
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"unknown driver", func(c *Config) { c.Driver = "etcd" }},
		{"redis db out of range", func(c *Config) { c.Driver = "redis"; c.RedisDB = 16 }},
		{"zero default ttl", func(c *Config) { c.DefaultTTL = 0 }},
		{"namespace with colon", func(c *Config) { c.CacheTTLs = map[string]time.Duration{"a:b": time.Hour} }},
		{"negative namespace ttl", func(c *Config) { c.CacheTTLs = map[string]time.Duration{"stages": -time.Second} }},
		{"bad remote scheme", func(c *Config) { c.RemoteURL = "ftp://example.com" }},
		{"zero remote timeout", func(c *Config) { c.RemoteTimeout = 0 }},
		{"zero apply timeout", func(c *Config) { c.ApplyTimeout = 0 }},
		{"zero probe interval", func(c *Config) { c.ProbeInterval = 0 }},
		{"unknown write mode", func(c *Config) { c.WriteMode = "eventual" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "invalid" }},
		{"log level without a distinct effect", func(c *Config) { c.LogLevel = "warn" }},
	}
	for _, tt := range tests {
		cfg := valid()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestConfigSaveLoad(t *testing.T) {
	tempFile := filepath.Join(t.TempDir(), "nested", "config.json")

	original := DefaultConfig()
	original.Driver = "bolt"
	original.RemoteURL = "http://localhost:3000"
	original.CacheTTLs = map[string]time.Duration{"stages": time.Hour}
	original.LogLevel = "debug"

	if err := original.SaveToFile(tempFile); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := LoadFromFile(tempFile)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loaded.Driver != original.Driver {
		t.Errorf("Driver mismatch: expected %s, got %s", original.Driver, loaded.Driver)
	}
	if loaded.RemoteURL != original.RemoteURL {
		t.Errorf("Remote URL mismatch: expected %s, got %s", original.RemoteURL, loaded.RemoteURL)
	}
	if loaded.CacheTTLs["stages"] != time.Hour {
		t.Errorf("Cache TTL mismatch: got %v", loaded.CacheTTLs)
	}
	if loaded.LogLevel != original.LogLevel {
		t.Errorf("Log level mismatch: expected %s, got %s", original.LogLevel, loaded.LogLevel)
	}
}

func TestConfigEnvironmentVariables(t *testing.T) {
	t.Setenv("TIDESYNC_DRIVER", "sqlite")
	t.Setenv("TIDESYNC_REMOTE_URL", "https://env.example.com")
	t.Setenv("TIDESYNC_REMOTE_TIMEOUT", "2s")
	t.Setenv("TIDESYNC_CACHE_TTLS", "stages=1h,sorties=30m")
	t.Setenv("TIDESYNC_MANUAL_ONLINE", "true")

	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Driver != "sqlite" {
		t.Errorf("Expected driver sqlite, got %s", cfg.Driver)
	}
	if cfg.RemoteURL != "https://env.example.com" {
		t.Errorf("Expected remote URL from env, got %s", cfg.RemoteURL)
	}
	if cfg.RemoteTimeout != 2*time.Second {
		t.Errorf("Expected remote timeout 2s, got %v", cfg.RemoteTimeout)
	}
	if cfg.CacheTTLs["stages"] != time.Hour || cfg.CacheTTLs["sorties"] != 30*time.Minute {
		t.Errorf("Unexpected cache TTLs: %v", cfg.CacheTTLs)
	}
	if !cfg.ManualOnline {
		t.Error("Expected manual_online from env")
	}
	// unset variables keep the existing value
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level to stay debug, got %s", cfg.LogLevel)
	}
	if cfg.ApplyTimeout != 10*time.Second {
		t.Errorf("Expected apply timeout default, got %v", cfg.ApplyTimeout)
	}
}

func TestConfigEnvironmentParseError(t *testing.T) {
	t.Setenv("TIDESYNC_REMOTE_TIMEOUT", "soon")

	if err := LoadFromEnv(DefaultConfig()); err == nil {
		t.Error("Expected parse error for a malformed duration")
	}
}

func TestConfigHelperMethods(t *testing.T) {
	cfg := DefaultConfig()

	cfg.RemoteURL = "https://project.example.com/rest/v1"
	if addr := cfg.GetProbeAddress(); addr != "project.example.com:443" {
		t.Errorf("GetProbeAddress() = %s", addr)
	}
	cfg.RemoteURL = "http://localhost:3000"
	if addr := cfg.GetProbeAddress(); addr != "localhost:3000" {
		t.Errorf("GetProbeAddress() = %s", addr)
	}
	cfg.ProbeAddr = "10.0.0.1:53"
	if addr := cfg.GetProbeAddress(); addr != "10.0.0.1:53" {
		t.Errorf("Explicit probe address should win, got %s", addr)
	}

	cfg.DataDir = "/test/data"
	cfg.Driver = "bolt"
	if path := cfg.GetDevicePath(); path != "/test/data/tidesync.bolt" {
		t.Errorf("GetDevicePath() = %s", path)
	}
	cfg.DevicePath = "/abs/cache.bolt"
	if path := cfg.GetDevicePath(); path != "/abs/cache.bolt" {
		t.Errorf("Explicit device path should win, got %s", path)
	}
}

func TestConfigNonExistentFile(t *testing.T) {
	if _, err := LoadFromFile("/non/existent/file.json"); err == nil {
		t.Error("Loading non-existent file should return error")
	}
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RemoteAPIKey = "anon-key-123"
	cfg.RemoteJWTSecret = "super-secret"

	str := cfg.String()
	if strings.Contains(str, "anon-key-123") || strings.Contains(str, "super-secret") {
		t.Errorf("Config String() leaked a secret:\n%s", str)
	}
	if !strings.Contains(str, `"driver": "file"`) {
		t.Errorf("Config String() missing fields:\n%s", str)
	}
	if cfg.RemoteAPIKey != "anon-key-123" {
		t.Error("String() must not modify the config")
	}
}
