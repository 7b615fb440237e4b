package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-automaton/internal/retry"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "payment_transactions", cfg.NSQ.Topic)
	assert.Equal(t, 30*time.Second, cfg.Plugin.Timeout)
	assert.Equal(t, 5, cfg.Plugin.BreakerFailureThreshold)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Retry.GracePeriod)
	assert.Empty(t, cfg.Retry.Rules)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", `
server:
  addr: ":9090"
database:
  driver: sqlite3
  dsn: "file:payments.db"
plugin:
  timeout: 5s
  http_gateway:
    enabled: true
    name: acme
    base_url: https://gateway.example.com
retry:
  max_attempts: 4
  base_delay: 250ms
  rules:
    - id: old_pending_escalate
      expression: "status == 'PENDING' && age_seconds > 3600"
      priority: 1
      decision: ESCALATE
log:
  level: debug
`)
	t.Setenv("PAYMENTS_SERVER_ADDR", ":7070")
	t.Setenv("PAYMENTS_RETRY_MAX_ATTEMPTS", "6")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr, "environment wins over the file")
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "file:payments.db", cfg.Database.DSN)
	assert.Equal(t, 5*time.Second, cfg.Plugin.Timeout)
	assert.True(t, cfg.Plugin.HTTPGateway.Enabled)
	assert.Equal(t, "acme", cfg.Plugin.HTTPGateway.Name)
	assert.Equal(t, 6, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	require.Len(t, cfg.Retry.Rules, 1)
	assert.Equal(t, retry.Rule{
		ID:         "old_pending_escalate",
		Expression: "status == 'PENDING' && age_seconds > 3600",
		Priority:   1,
		Decision:   retry.DecisionEscalate,
	}, cfg.Retry.Rules[0])
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_LocalEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, "local.env", "PAYMENTS_DATABASE_DRIVER=postgres\nPAYMENTS_DATABASE_DSN=postgres://localhost/payments\n")
	t.Setenv("APP_ENV", "local")
	t.Setenv("PAYMENTS_ENV_FILE", envFile)
	t.Cleanup(func() {
		os.Unsetenv("PAYMENTS_DATABASE_DRIVER")
		os.Unsetenv("PAYMENTS_DATABASE_DSN")
	})

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/payments", cfg.Database.DSN)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("MalformedFile", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "config.yaml", "server: [unterminated")
		_, err := Load(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read config")
	})

	t.Run("UnsupportedDriver", func(t *testing.T) {
		t.Setenv("PAYMENTS_DATABASE_DRIVER", "mysql")
		_, err := Load(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported database.driver")
	})
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Database: DatabaseConfig{Driver: DriverMemory},
			Plugin:   PluginConfig{Timeout: time.Second},
		}
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"Valid", func(c *Config) {}, ""},
		{"SQLiteWithoutDSN", func(c *Config) { c.Database.Driver = DriverSQLite }, "database.dsn is required"},
		{"ZeroTimeout", func(c *Config) { c.Plugin.Timeout = 0 }, "plugin.timeout"},
		{"RedisWithoutAddr", func(c *Config) { c.Redis.Enabled = true }, "redis.addr"},
		{"RedisLockOutlivesPluginCall", func(c *Config) {
			c.Redis = RedisConfig{Enabled: true, Addr: "localhost:6379", LockTTL: 2 * time.Second}
		}, ""},
		{"RedisLockNotLongerThanPluginCall", func(c *Config) {
			c.Redis = RedisConfig{Enabled: true, Addr: "localhost:6379", LockTTL: time.Second}
		}, "redis.lock_ttl (1s) must exceed plugin.timeout (1s)"},
		{"NSQWithoutTopic", func(c *Config) { c.NSQ = NSQConfig{Enabled: true, Address: "localhost:4150"} }, "nsq.address and nsq.topic"},
		{"GatewayWithoutURL", func(c *Config) { c.Plugin.HTTPGateway.Enabled = true }, "base_url"},
		{"NegativeAttempts", func(c *Config) { c.Retry.MaxAttempts = -1 }, "max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
