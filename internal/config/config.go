package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverPebble   = "pebble"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	PebbleDir   string `mapstructure:"PEBBLE_DIR"`

	SchemaDir         string `mapstructure:"SCHEMA_DIR"`
	FHIRBaseURL       string `mapstructure:"FHIR_BASE_URL"`
	DefaultOwner      string `mapstructure:"DEFAULT_OWNER"`
	MaxChainDepth     int    `mapstructure:"MAX_CHAIN_DEPTH"`
	QueryKeyCacheSize int    `mapstructure:"QUERY_KEY_CACHE_SIZE"`
	CorrectDocuments  bool   `mapstructure:"CORRECT_DOCUMENTS"`

	LockRedisURL string        `mapstructure:"LOCK_REDIS_URL"`
	LockTTL      time.Duration `mapstructure:"LOCK_TTL"`

	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_DRIVER", "DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS", "PEBBLE_DIR",
	"SCHEMA_DIR", "FHIR_BASE_URL", "DEFAULT_OWNER", "MAX_CHAIN_DEPTH", "QUERY_KEY_CACHE_SIZE", "CORRECT_DOCUMENTS",
	"LOCK_REDIS_URL", "LOCK_TTL",
	"METRICS_ENABLED", "CORS_ORIGINS", "BODY_LIMIT", "REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("PEBBLE_DIR", "data/pebble")
	v.SetDefault("DEFAULT_OWNER", "default")
	v.SetDefault("MAX_CHAIN_DEPTH", 3)
	v.SetDefault("QUERY_KEY_CACHE_SIZE", 4096)
	v.SetDefault("LOCK_TTL", "10s")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("BODY_LIMIT", "1MB")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.FHIRBaseURL == "" {
		cfg.FHIRBaseURL = "http://localhost:" + cfg.Port + "/fhir"
	}
	cfg.FHIRBaseURL = strings.TrimSuffix(cfg.FHIRBaseURL, "/")
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Each store driver
// needs its own location; the Redis lock URL must parse when set.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case DriverPebble:
		if c.PebbleDir == "" {
			return fmt.Errorf("PEBBLE_DIR is required when STORE_DRIVER is %q", DriverPebble)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverPebble, c.StoreDriver)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.MaxChainDepth < 1 {
		return fmt.Errorf("MAX_CHAIN_DEPTH must be at least 1, got %d", c.MaxChainDepth)
	}
	if c.QueryKeyCacheSize < 0 {
		return fmt.Errorf("QUERY_KEY_CACHE_SIZE must not be negative, got %d", c.QueryKeyCacheSize)
	}
	if u, err := url.Parse(c.FHIRBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("FHIR_BASE_URL must be an absolute URL, got %q", c.FHIRBaseURL)
	}

	if c.LockRedisURL != "" {
		if c.LockTTL <= 0 {
			return fmt.Errorf("LOCK_TTL must be positive when LOCK_REDIS_URL is set")
		}
		if u, err := url.Parse(c.LockRedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return fmt.Errorf("LOCK_REDIS_URL must be a redis:// or rediss:// URL")
		}
	}

	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	return nil
}
