/*
config.go - Runtime configuration

PURPOSE:
  Loads every runtime setting from environment variables, with an optional
  .env file for local development. Every key has a default so a bare
  `./server` starts a development instance on SQLite.

KEYS:
  PORT, APP_ENV, LOG_LEVEL
  STORE_DRIVER (memory | sqlite | postgres | mongo)
  SQLITE_PATH, DATABASE_URL, MONGODB_URI, MONGODB_DATABASE
  REDIS_URL, CACHE_TTL
  JWT_SECRET, JWT_TTL, AUTH_ALLOWED_EMAILS
  CORS_ALLOWED_ORIGINS, RATE_LIMIT_RPS, RATE_LIMIT_BURST
  OTEL_EXPORTER_OTLP_ENDPOINT, SERVICE_NAME
  AUDIT_INTERVAL (0 disables), DEMO_SCENARIOS

  List values are comma separated.
*/
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// EnvDevelopment is the APP_ENV value that enables console logging and the
// development JWT secret.
const EnvDevelopment = "development"

// DevJWTSecret signs tokens when JWT_SECRET is unset in development.
const DevJWTSecret = "stock-ledger-development-secret"

var drivers = []string{DriverMemory, DriverSQLite, DriverPostgres, DriverMongo}

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	// Server
	Port     int    `mapstructure:"PORT"`
	Env      string `mapstructure:"APP_ENV"` // development | production
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Storage
	StoreDriver   string `mapstructure:"STORE_DRIVER"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	MongoURI      string `mapstructure:"MONGODB_URI"`
	MongoDatabase string `mapstructure:"MONGODB_DATABASE"`

	// Cache
	RedisURL string        `mapstructure:"REDIS_URL"`
	CacheTTL time.Duration `mapstructure:"CACHE_TTL"`

	// Auth
	JWTSecret     string        `mapstructure:"JWT_SECRET"`
	JWTTTL        time.Duration `mapstructure:"JWT_TTL"`
	AllowedEmails []string      `mapstructure:"-"`

	// HTTP
	CORSOrigins    []string `mapstructure:"-"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Telemetry
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `mapstructure:"SERVICE_NAME"`

	// Operations
	AuditInterval time.Duration `mapstructure:"AUDIT_INTERVAL"`
	DemoScenarios bool          `mapstructure:"DEMO_SCENARIOS"`
}

// Load reads configuration from environment variables (and optional .env file).
func Load() (*Config, error) {
	return load(".")
}

func load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	v.AutomaticEnv()

	v.SetDefault("PORT", 8080)
	v.SetDefault("APP_ENV", EnvDevelopment)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "stock.db")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("MONGODB_URI", "")
	v.SetDefault("MONGODB_DATABASE", "stock-management")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("CACHE_TTL", "30s")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("AUTH_ALLOWED_EMAILS", "")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("SERVICE_NAME", "stock-ledger")
	v.SetDefault("AUDIT_INTERVAL", "1h")
	v.SetDefault("DEMO_SCENARIOS", false)

	// Optional .env file for local development; a missing file is fine.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read .env: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.AllowedEmails = splitList(v.GetString("AUTH_ALLOWED_EMAILS"))
	cfg.CORSOrigins = splitList(v.GetString("CORS_ALLOWED_ORIGINS"))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		cfg.JWTSecret = DevJWTSecret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that have no safe fallback.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(drivers, c.StoreDriver) {
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q: want one of %s", c.StoreDriver, strings.Join(drivers, ", ")))
	}
	if c.StoreDriver == DriverPostgres && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
	}
	if c.StoreDriver == DriverMongo && c.MongoURI == "" {
		errs = append(errs, errors.New("MONGODB_URI is required for the mongo driver"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required outside development"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL %s must be positive", c.CacheTTL))
	}
	if c.AuditInterval < 0 {
		errs = append(errs, fmt.Errorf("AUDIT_INTERVAL %s must not be negative", c.AuditInterval))
	}
	if c.JWTTTL <= 0 {
		errs = append(errs, fmt.Errorf("JWT_TTL %s must be positive", c.JWTTTL))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == EnvDevelopment }

// UsingDevSecret reports whether tokens are signed with DevJWTSecret.
func (c *Config) UsingDevSecret() bool { return c.JWTSecret == DevJWTSecret }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
