// Package config loads and validates the gateway configuration from an
// optional YAML file plus TOKENGATE_* environment variables. Environment
// values override file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selectors for the pluggable stores.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CacheConfig selects the counter/blacklist store backend.
type CacheConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TokenConfig configures token issuance.
type TokenConfig struct {
	Secret     string   `yaml:"secret"`
	Issuer     string   `yaml:"issuer"`
	AccessTTL  Duration `yaml:"accessTTL"`
	RefreshTTL Duration `yaml:"refreshTTL"`
}

// RefreshStoreConfig selects the refresh-token store backend.
type RefreshStoreConfig struct {
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgresDSN"`
}

// ThrottleConfig configures the login throttle.
type ThrottleConfig struct {
	MaxAttempts int      `yaml:"maxAttempts"`
	Window      Duration `yaml:"window"`
}

// ResilienceConfig configures the invoker chain.
type ResilienceConfig struct {
	RetryAttempts  int      `yaml:"retryAttempts"`
	AttemptTimeout Duration `yaml:"attemptTimeout"`
	BreakerTimeout Duration `yaml:"breakerTimeout"`
	RateLimit      float64  `yaml:"rateLimit"`
	Burst          int      `yaml:"burst"`
}

// Config is the root configuration.
type Config struct {
	Server           ServerConfig       `yaml:"server"`
	Log              LogConfig          `yaml:"log"`
	Cache            CacheConfig        `yaml:"cache"`
	Token            TokenConfig        `yaml:"token"`
	RefreshStore     RefreshStoreConfig `yaml:"refreshStore"`
	Throttle         ThrottleConfig     `yaml:"throttle"`
	Resilience       ResilienceConfig   `yaml:"resilience"`
	BlacklistTTL     Duration           `yaml:"blacklistTTL"`
	RefreshThreshold Duration           `yaml:"refreshThreshold"`
	JanitorInterval  Duration           `yaml:"janitorInterval"`
	APIKey           string             `yaml:"apiKey"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			Backend: BackendMemory,
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Token: TokenConfig{
			Issuer:     "tokengate",
			AccessTTL:  Duration(15 * time.Minute),
			RefreshTTL: Duration(14 * 24 * time.Hour),
		},
		RefreshStore: RefreshStoreConfig{
			Backend: BackendMemory,
		},
		Throttle: ThrottleConfig{
			MaxAttempts: 5,
			Window:      Duration(15 * time.Minute),
		},
		Resilience: ResilienceConfig{
			RetryAttempts:  3,
			AttemptTimeout: Duration(5 * time.Second),
			BreakerTimeout: Duration(30 * time.Second),
			RateLimit:      100,
			Burst:          200,
		},
		BlacklistTTL:     Duration(time.Hour),
		RefreshThreshold: Duration(5 * time.Minute),
		JanitorInterval:  Duration(24 * time.Hour),
	}
}

// Load reads the configuration: defaults, then the YAML file when path
// is non-empty, then TOKENGATE_* environment overrides, then Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "TOKENGATE_ADDR")
	setString(&c.Log.Level, "TOKENGATE_LOG_LEVEL")
	setString(&c.Log.Format, "TOKENGATE_LOG_FORMAT")
	setString(&c.Cache.Backend, "TOKENGATE_CACHE_BACKEND")
	setString(&c.Cache.Redis.Addr, "TOKENGATE_REDIS_ADDR")
	setString(&c.Cache.Redis.Password, "TOKENGATE_REDIS_PASSWORD")
	setInt(&c.Cache.Redis.DB, "TOKENGATE_REDIS_DB")
	setString(&c.Token.Secret, "TOKENGATE_TOKEN_SECRET")
	setString(&c.Token.Issuer, "TOKENGATE_TOKEN_ISSUER")
	setDuration(&c.Token.AccessTTL, "TOKENGATE_ACCESS_TTL")
	setDuration(&c.Token.RefreshTTL, "TOKENGATE_REFRESH_TTL")
	setString(&c.RefreshStore.Backend, "TOKENGATE_REFRESH_STORE_BACKEND")
	setString(&c.RefreshStore.PostgresDSN, "TOKENGATE_POSTGRES_DSN")
	setInt(&c.Throttle.MaxAttempts, "TOKENGATE_THROTTLE_MAX_ATTEMPTS")
	setDuration(&c.Throttle.Window, "TOKENGATE_THROTTLE_WINDOW")
	setDuration(&c.BlacklistTTL, "TOKENGATE_BLACKLIST_TTL")
	setDuration(&c.RefreshThreshold, "TOKENGATE_REFRESH_THRESHOLD")
	setDuration(&c.JanitorInterval, "TOKENGATE_JANITOR_INTERVAL")
	setString(&c.APIKey, "TOKENGATE_API_KEY")
}

// Validate checks the configuration for fatal mistakes.
func (c *Config) Validate() error {
	if c.Token.Secret == "" {
		return fmt.Errorf("token.secret is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("apiKey is required")
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	switch c.RefreshStore.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.RefreshStore.PostgresDSN == "" {
			return fmt.Errorf("refreshStore.postgresDSN is required for postgres backend")
		}
	default:
		return fmt.Errorf("unknown refresh store backend %q", c.RefreshStore.Backend)
	}

	if c.Token.AccessTTL.Duration() <= 0 || c.Token.RefreshTTL.Duration() <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.Token.RefreshTTL.Duration() <= c.Token.AccessTTL.Duration() {
		return fmt.Errorf("token.refreshTTL must exceed token.accessTTL")
	}

	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
