package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"chatrelay/internal/api"
	"chatrelay/internal/assistant"
	"chatrelay/internal/conversation"
	"chatrelay/internal/quota"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/websocket"
	dbconfig "chatrelay/pkg/database"
	"chatrelay/pkg/types"
)

// EnvPrefix namespaces every environment variable the service reads.
const EnvPrefix = "CHATRELAY_"

// Rate-limit store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the complete service configuration.
type Config struct {
	HTTP      HTTPConfig       `yaml:"http" envPrefix:"HTTP_"`
	API       api.Config       `yaml:"api" envPrefix:"API_"`
	Database  dbconfig.Config  `yaml:"database" envPrefix:"DATABASE_"`
	WebSocket websocket.Config `yaml:"websocket" envPrefix:"WEBSOCKET_"`
	Auth      AuthConfig       `yaml:"auth" envPrefix:"AUTH_"`
	Quota     QuotaConfig      `yaml:"quota" envPrefix:"QUOTA_"`
	Limits    LimitsConfig     `yaml:"limits" envPrefix:"LIMITS_"`
	RateLimit RateLimitConfig  `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Assistant assistant.Config `yaml:"assistant" envPrefix:"ASSISTANT_"`
	Log       LogConfig        `yaml:"log" envPrefix:"LOG_"`
}

// HTTPConfig controls the listener
type HTTPConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Addr returns the listen address
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig configures bearer token verification
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string        `yaml:"issuer" env:"ISSUER"`
	Leeway    time.Duration `yaml:"leeway" env:"LEEWAY"`
}

// QuotaConfig configures the daily free-tier allowance
type QuotaConfig struct {
	DailyFreeLimit int    `yaml:"daily_free_limit" env:"DAILY_FREE_LIMIT"`
	Timezone       string `yaml:"timezone" env:"TIMEZONE"`
}

// Ledger converts the settings for quota.NewLedger. Validate has already
// checked the timezone.
func (c QuotaConfig) Ledger() quota.Config {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return quota.Config{DailyLimit: c.DailyFreeLimit, Location: loc}
}

// LimitsConfig bounds input sizes and page lengths
type LimitsConfig struct {
	MaxContentLength  int    `yaml:"max_content_length" env:"MAX_CONTENT_LENGTH"`
	MaxTitleLength    int    `yaml:"max_title_length" env:"MAX_TITLE_LENGTH"`
	ConversationsPage int    `yaml:"conversations_page" env:"CONVERSATIONS_PAGE"`
	MessagesPage      int    `yaml:"messages_page" env:"MESSAGES_PAGE"`
	DefaultModel      string `yaml:"default_model" env:"DEFAULT_MODEL"`
}

// Store converts the settings for conversation.NewStore
func (c LimitsConfig) Store() conversation.Limits {
	return conversation.Limits{
		MaxContentLength:  c.MaxContentLength,
		MaxTitleLength:    c.MaxTitleLength,
		ConversationsPage: c.ConversationsPage,
		MessagesPage:      c.MessagesPage,
	}
}

// RateLimitConfig selects the counter backend and the policies
type RateLimitConfig struct {
	Backend         string             `yaml:"backend" env:"BACKEND"`
	RedisURL        string             `yaml:"redis_url" env:"REDIS_URL"`
	KeyPrefix       string             `yaml:"key_prefix" env:"KEY_PREFIX"`
	CleanupInterval time.Duration      `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	FailClosed      bool               `yaml:"fail_closed" env:"FAIL_CLOSED"`
	Policies        ratelimit.Policies `yaml:"policies" envPrefix:"POLICY_"`
}

// LogConfig controls the zerolog output
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig returns the stock configuration. The JWT secret has no
// default and must be supplied.
func DefaultConfig() *Config {
	limits := conversation.DefaultLimits()
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		API:       api.Config{Mode: "release"},
		Database:  *dbconfig.DefaultConfig(),
		WebSocket: websocket.DefaultConfig(),
		Auth:      AuthConfig{Leeway: 30 * time.Second},
		Quota:     QuotaConfig{DailyFreeLimit: quota.DefaultDailyLimit, Timezone: "UTC"},
		Limits: LimitsConfig{
			MaxContentLength:  limits.MaxContentLength,
			MaxTitleLength:    limits.MaxTitleLength,
			ConversationsPage: limits.ConversationsPage,
			MessagesPage:      limits.MessagesPage,
			DefaultModel:      types.DefaultModel,
		},
		RateLimit: RateLimitConfig{
			Backend:         BackendMemory,
			KeyPrefix:       "chatrelay:ratelimit:",
			CleanupInterval: time.Minute,
			Policies:        ratelimit.DefaultPolicies(),
		},
		Assistant: assistant.DefaultConfig(),
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP shutdown timeout must be positive")
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.WebSocket.Validate(); err != nil {
		return fmt.Errorf("websocket: %w", err)
	}

	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth jwt_secret is required")
	}
	if c.Auth.Leeway < 0 {
		return errors.New("auth leeway cannot be negative")
	}

	if c.Quota.DailyFreeLimit <= 0 {
		return errors.New("quota daily_free_limit must be positive")
	}
	if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
		return fmt.Errorf("quota timezone: %w", err)
	}

	if c.Limits.MaxContentLength <= 0 || c.Limits.MaxTitleLength <= 0 {
		return errors.New("content and title limits must be positive")
	}
	if c.Limits.ConversationsPage <= 0 || c.Limits.MessagesPage <= 0 {
		return errors.New("page limits must be positive")
	}

	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.RateLimit.RedisURL == "" {
			return errors.New("rate_limit redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("rate_limit backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.RateLimit.Backend)
	}
	if err := c.RateLimit.Policies.Validate(); err != nil {
		return err
	}

	if err := c.Assistant.Validate(); err != nil {
		return fmt.Errorf("assistant: %w", err)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// LoadFromEnv overlays CHATRELAY_* environment variables onto cfg. Unset
// variables leave the current value alone.
func LoadFromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	cfg.RateLimit.Policies.Normalize()
	return nil
}

// LoadFromFile overlays a YAML file onto cfg. Unknown keys are rejected.
func LoadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.RateLimit.Policies.Normalize()
	return nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// LoadConfigWithPrecedence builds the configuration from defaults, then
// the YAML file (when path is set), then the environment, and validates
// the result.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := LoadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
