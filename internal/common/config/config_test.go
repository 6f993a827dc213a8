package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 300000, cfg.Dispatch.DefaultTimeoutMs)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.LockTTL())
	assert.Equal(t, 24*time.Hour, cfg.Dispatch.DedupTTL())
	assert.Equal(t, time.Second, cfg.Dispatch.SweepInterval())
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLOWFORGE_SERVER_PORT", "9090")
	t.Setenv("FLOWFORGE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("FLOWFORGE_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadWithConfigFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`
server:
  port: 9191
database:
  driver: postgres
  host: db.internal
  user: orchestrator
  dbName: flowforge
redis:
  addr: ""
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o600))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "", cfg.Redis.Addr)
	assert.Contains(t, cfg.Database.DSN(), "host=db.internal")
	assert.Contains(t, cfg.Database.DSN(), "dbname=flowforge")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 8080},
			Database: DatabaseConfig{Driver: "sqlite", Path: "./flowforge.db"},
			Redis:    RedisConfig{Addr: "localhost:6379"},
			Logging:  LoggingConfig{Level: "info", Format: "json"},
			Dispatch: DispatchConfig{DefaultTimeoutMs: 300000, LockTTLSeconds: 30},
			Retry:    RetryConfig{MaxAttempts: 5, Jitter: 0.1},
		}
	}

	require.NoError(t, validate(base()))

	tests := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"postgres without host", func(c *Config) {
			c.Database.Driver = "postgres"
			c.Database.Port = 5432
			c.Database.User = "u"
			c.Database.DBName = "d"
		}, "database.host"},
		{"redis addr without port", func(c *Config) { c.Redis.Addr = "localhost" }, "redis.addr"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad jitter", func(c *Config) { c.Retry.Jitter = 1.5 }, "retry.jitter"},
		{"zero lock ttl", func(c *Config) { c.Dispatch.LockTTLSeconds = 0 }, "lockTtlSeconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestValidateAllowsEmptyRedisAddr(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Driver: "sqlite", Path: "./flowforge.db"},
		Redis:    RedisConfig{},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Dispatch: DispatchConfig{DefaultTimeoutMs: 1000, LockTTLSeconds: 30},
		Retry:    RetryConfig{MaxAttempts: 1},
	}
	require.NoError(t, validate(cfg))
}
