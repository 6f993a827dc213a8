// Package config provides configuration management for FlowForge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for FlowForge.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Workflows WorkflowsConfig `mapstructure:"workflows"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds relational store configuration. Driver is either
// "sqlite" (default, single-node dev) or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite database file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// RedisConfig holds the message bus / KV store connection configuration.
// Three dedicated connections are opened from this config: command traffic,
// publishing, and subscribing.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	DialTimeout  int    `mapstructure:"dialTimeout"`  // in seconds
	KVTimeout    int    `mapstructure:"kvTimeout"`    // per-command deadline, seconds
	BusTimeout   int    `mapstructure:"busTimeout"`   // bus round-trip deadline, seconds
	StreamMaxLen int64  `mapstructure:"streamMaxLen"` // approximate XADD MAXLEN, 0 = unbounded
}

// NATSConfig holds optional NATS configuration for distributing the internal
// event bus across orchestrator instances. Empty URL means in-memory.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DispatchConfig holds task dispatch defaults and the timeout sweeper cadence.
type DispatchConfig struct {
	DefaultTimeoutMs   int     `mapstructure:"defaultTimeoutMs"`
	DefaultMaxRetries  int     `mapstructure:"defaultMaxRetries"`
	SweepIntervalMs    int     `mapstructure:"sweepIntervalMs"`
	LockTTLSeconds     int     `mapstructure:"lockTtlSeconds"`
	DedupTTLHours      int     `mapstructure:"dedupTtlHours"`
	RequiredConfidence float64 `mapstructure:"requiredConfidence"`
}

// RetryConfig holds the transient-failure backoff policy.
type RetryConfig struct {
	BaseMs      int     `mapstructure:"baseMs"`
	CapMs       int     `mapstructure:"capMs"`
	MaxAttempts int     `mapstructure:"maxAttempts"`
	Jitter      float64 `mapstructure:"jitter"`
}

// WorkflowsConfig points at the workflow stage definitions file. Empty path
// means embedded defaults for the built-in workflow types.
type WorkflowsConfig struct {
	DefinitionsPath string `mapstructure:"definitionsPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// KVTimeoutDuration returns the per-command KV deadline.
func (r *RedisConfig) KVTimeoutDuration() time.Duration {
	return time.Duration(r.KVTimeout) * time.Second
}

// BusTimeoutDuration returns the bus round-trip deadline.
func (r *RedisConfig) BusTimeoutDuration() time.Duration {
	return time.Duration(r.BusTimeout) * time.Second
}

// SweepInterval returns the sweeper cadence as a time.Duration.
func (d *DispatchConfig) SweepInterval() time.Duration {
	return time.Duration(d.SweepIntervalMs) * time.Millisecond
}

// LockTTL returns the distributed lock TTL.
func (d *DispatchConfig) LockTTL() time.Duration {
	return time.Duration(d.LockTTLSeconds) * time.Second
}

// DedupTTL returns the idempotency marker TTL.
func (d *DispatchConfig) DedupTTL() time.Duration {
	return time.Duration(d.DedupTTLHours) * time.Hour
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FLOWFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite unless a postgres host is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./flowforge.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "flowforge")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "flowforge")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dialTimeout", 5)
	v.SetDefault("redis.kvTimeout", 5)
	v.SetDefault("redis.busTimeout", 10)
	v.SetDefault("redis.streamMaxLen", 100000)

	// NATS defaults - empty URL means in-memory internal event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "flowforge-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Dispatch defaults
	v.SetDefault("dispatch.defaultTimeoutMs", 300000)
	v.SetDefault("dispatch.defaultMaxRetries", 3)
	v.SetDefault("dispatch.sweepIntervalMs", 1000)
	v.SetDefault("dispatch.lockTtlSeconds", 30)
	v.SetDefault("dispatch.dedupTtlHours", 24)
	v.SetDefault("dispatch.requiredConfidence", 0.7)

	// Retry defaults: min(base * 2^attempt, cap) with full jitter
	v.SetDefault("retry.baseMs", 100)
	v.SetDefault("retry.capMs", 30000)
	v.SetDefault("retry.maxAttempts", 5)
	v.SetDefault("retry.jitter", 0.1)

	// Workflow definitions - embedded defaults unless a file is supplied
	v.SetDefault("workflows.definitionsPath", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FLOWFORGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/flowforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("FLOWFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.dbName", "FLOWFORGE_DATABASE_DB_NAME")
	_ = v.BindEnv("database.sslMode", "FLOWFORGE_DATABASE_SSL_MODE")
	_ = v.BindEnv("workflows.definitionsPath", "FLOWFORGE_WORKFLOWS_DEFINITIONS_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/flowforge/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// Invalid configuration aborts startup.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	// An empty redis.addr selects the in-process transports; anything else
	// must be host:port.
	if cfg.Redis.Addr != "" && !strings.Contains(cfg.Redis.Addr, ":") {
		errs = append(errs, "redis.addr must be host:port or empty for in-process mode")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Dispatch.DefaultTimeoutMs <= 0 {
		errs = append(errs, "dispatch.defaultTimeoutMs must be positive")
	}
	if cfg.Dispatch.DefaultMaxRetries < 0 {
		errs = append(errs, "dispatch.defaultMaxRetries must not be negative")
	}
	if cfg.Dispatch.LockTTLSeconds <= 0 {
		errs = append(errs, "dispatch.lockTtlSeconds must be positive")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.maxAttempts must be positive")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		errs = append(errs, "retry.jitter must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
