package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/ratelimit"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = "secret"
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestConfig_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTP.Port != 8080 {
		t.Errorf("HTTP.Port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.Database.DatabasePath == "" {
		t.Error("default database path should not be empty")
	}
	if cfg.Quota.DailyFreeLimit != 10 {
		t.Errorf("Quota.DailyFreeLimit = %d, want 10", cfg.Quota.DailyFreeLimit)
	}
	if cfg.Limits.MaxContentLength != 5000 || cfg.Limits.MaxTitleLength != 100 {
		t.Errorf("Limits = %+v", cfg.Limits)
	}
	if cfg.RateLimit.Policies.MessagePolicy != ratelimit.MessagePolicyPerMinute {
		t.Errorf("MessagePolicy = %q", cfg.RateLimit.Policies.MessagePolicy)
	}
	if cfg.Assistant.Enabled {
		t.Error("assistant should be disabled by default")
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config failed validation: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"bad port", func(c *Config) { c.HTTP.Port = -1 }},
		{"empty database path", func(c *Config) { c.Database.DatabasePath = "" }},
		{"ping after pong", func(c *Config) { c.WebSocket.PingPeriod = 2 * c.WebSocket.PongWait }},
		{"zero quota", func(c *Config) { c.Quota.DailyFreeLimit = 0 }},
		{"unknown timezone", func(c *Config) { c.Quota.Timezone = "Mars/Olympus" }},
		{"unknown backend", func(c *Config) { c.RateLimit.Backend = "memcached" }},
		{"redis without url", func(c *Config) { c.RateLimit.Backend = BackendRedis }},
		{"bad message policy", func(c *Config) { c.RateLimit.Policies.MessagePolicy = "hourly" }},
		{"zero window", func(c *Config) { c.RateLimit.Policies.API.Window = 0 }},
		{"assistant without endpoint", func(c *Config) { c.Assistant.Enabled = true }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfig_LoadFromFile(t *testing.T) {
	path := writeFile(t, "chatrelay.yaml", `
http:
  port: 9090
auth:
  jwt_secret: file-secret
quota:
  daily_free_limit: 25
  timezone: America/New_York
websocket:
  allowed_origins: ["https://app.example.com"]
rate_limit:
  policies:
    message_policy: daily_free
    api:
      window: 30s
      max: 100
`)

	cfg := DefaultConfig()
	if err := LoadFromFile(cfg, path); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.HTTP.Port != 9090 {
		t.Errorf("HTTP.Port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.HTTP.Host != "0.0.0.0" {
		t.Errorf("HTTP.Host = %q, defaults should survive", cfg.HTTP.Host)
	}
	if cfg.Auth.JWTSecret != "file-secret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Quota.DailyFreeLimit != 25 {
		t.Errorf("Quota.DailyFreeLimit = %d", cfg.Quota.DailyFreeLimit)
	}
	if got := cfg.WebSocket.AllowedOrigins; len(got) != 1 || got[0] != "https://app.example.com" {
		t.Errorf("AllowedOrigins = %v", got)
	}
	policies := cfg.RateLimit.Policies
	if policies.API.Window != 30*time.Second || policies.API.Max != 100 || policies.API.Name != "api" {
		t.Errorf("API policy = %+v", policies.API)
	}
	if policies.Message().Name != "message_daily_free" {
		t.Errorf("Message() = %+v", policies.Message())
	}
	if cfg.Quota.Ledger().Location.String() != "America/New_York" {
		t.Errorf("Ledger().Location = %v", cfg.Quota.Ledger().Location)
	}
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	if err := LoadFromFile(DefaultConfig(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeFile(t, "bad.yaml", "http:\n  prot: 9090\n")
	if err := LoadFromFile(DefaultConfig(), path); err == nil || !strings.Contains(err.Error(), "prot") {
		t.Errorf("expected unknown field error, got %v", err)
	}

	empty := writeFile(t, "empty.yaml", "")
	if err := LoadFromFile(DefaultConfig(), empty); err != nil {
		t.Errorf("empty file should be accepted: %v", err)
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("CHATRELAY_HTTP_PORT", "7070")
	t.Setenv("CHATRELAY_AUTH_JWT_SECRET", "env-secret")
	t.Setenv("CHATRELAY_DATABASE_PATH", "/tmp/env.db")
	t.Setenv("CHATRELAY_WEBSOCKET_PING_PERIOD", "10s")
	t.Setenv("CHATRELAY_API_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("CHATRELAY_RATE_LIMIT_BACKEND", "redis")
	t.Setenv("CHATRELAY_RATE_LIMIT_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CHATRELAY_RATE_LIMIT_POLICY_MESSAGE_PER_MINUTE_MAX", "5")
	t.Setenv("CHATRELAY_RATE_LIMIT_FAIL_CLOSED", "true")
	t.Setenv("CHATRELAY_WEBSOCKET_FRAME_TIMEOUT", "5s")

	cfg := DefaultConfig()
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.HTTP.Port != 7070 {
		t.Errorf("HTTP.Port = %d, want 7070", cfg.HTTP.Port)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Database.DatabasePath != "/tmp/env.db" {
		t.Errorf("Database.DatabasePath = %q", cfg.Database.DatabasePath)
	}
	if cfg.WebSocket.PingPeriod != 10*time.Second {
		t.Errorf("WebSocket.PingPeriod = %v", cfg.WebSocket.PingPeriod)
	}
	if len(cfg.API.AllowedOrigins) != 2 {
		t.Errorf("API.AllowedOrigins = %v", cfg.API.AllowedOrigins)
	}
	if cfg.RateLimit.Policies.MessagePerMinute.Max != 5 {
		t.Errorf("MessagePerMinute.Max = %d", cfg.RateLimit.Policies.MessagePerMinute.Max)
	}
	if cfg.RateLimit.Policies.MessagePerMinute.Window != time.Minute {
		t.Errorf("unset variables should keep defaults, window = %v", cfg.RateLimit.Policies.MessagePerMinute.Window)
	}
	if !cfg.RateLimit.FailClosed {
		t.Error("RateLimit.FailClosed should be set from the environment")
	}
	if cfg.WebSocket.FrameTimeout != 5*time.Second {
		t.Errorf("WebSocket.FrameTimeout = %v", cfg.WebSocket.FrameTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestConfig_Precedence(t *testing.T) {
	path := writeFile(t, "chatrelay.yaml", "http:\n  port: 9090\n  host: 127.0.0.1\nauth:\n  jwt_secret: file-secret\n")
	t.Setenv("CHATRELAY_HTTP_PORT", "7070")

	cfg, err := LoadConfigWithPrecedence(path)
	if err != nil {
		t.Fatalf("LoadConfigWithPrecedence() error = %v", err)
	}
	if cfg.HTTP.Port != 7070 {
		t.Errorf("environment should win over file, port = %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.Host != "127.0.0.1" {
		t.Errorf("file should win over defaults, host = %q", cfg.HTTP.Host)
	}
	if cfg.Auth.JWTSecret != "file-secret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
}

func TestConfig_PrecedenceRejectsInvalid(t *testing.T) {
	if _, err := LoadConfigWithPrecedence(""); err == nil {
		t.Error("missing jwt secret should fail validation")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "CHATRELAY_LOG_LEVEL=debug\n")
	t.Setenv("CHATRELAY_LOG_LEVEL", "")
	os.Unsetenv("CHATRELAY_LOG_LEVEL")

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env"), path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("CHATRELAY_LOG_LEVEL"); got != "debug" {
		t.Errorf("CHATRELAY_LOG_LEVEL = %q, want debug", got)
	}

	cfg := DefaultConfig()
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}
