// Package config loads the service configuration from config.yaml and
// PAYMENTS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/yourorg/payment-automaton/internal/retry"
)

// EnvPrefix prefixes every environment override, e.g. PAYMENTS_DATABASE_DRIVER.
const EnvPrefix = "PAYMENTS"

// Supported database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NSQ      NSQConfig      `mapstructure:"nsq"`
	Plugin   PluginConfig   `mapstructure:"plugin"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type NSQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Topic   string `mapstructure:"topic"`
}

type PluginConfig struct {
	Timeout                 time.Duration     `mapstructure:"timeout"`
	BreakerFailureThreshold int               `mapstructure:"breaker_failure_threshold"`
	BreakerResetTimeout     time.Duration     `mapstructure:"breaker_reset_timeout"`
	HTTPGateway             HTTPGatewayConfig `mapstructure:"http_gateway"`
}

// HTTPGatewayConfig registers an outbound REST gateway plugin when Enabled.
type HTTPGatewayConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Name    string        `mapstructure:"name"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // 0 disables the janitor
	BatchSize     int           `mapstructure:"batch_size"`
	Rules         []retry.Rule  `mapstructure:"rules"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.dsn", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 2*time.Minute)

	v.SetDefault("nsq.enabled", false)
	v.SetDefault("nsq.address", "localhost:4150")
	v.SetDefault("nsq.topic", "payment_transactions")

	v.SetDefault("plugin.timeout", 30*time.Second)
	v.SetDefault("plugin.breaker_failure_threshold", 5)
	v.SetDefault("plugin.breaker_reset_timeout", 30*time.Second)
	v.SetDefault("plugin.http_gateway.enabled", false)
	v.SetDefault("plugin.http_gateway.name", "http-gateway")
	v.SetDefault("plugin.http_gateway.base_url", "")
	v.SetDefault("plugin.http_gateway.api_key", "")
	v.SetDefault("plugin.http_gateway.timeout", 20*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.grace_period", 5*time.Minute)
	v.SetDefault("retry.sweep_interval", time.Minute)
	v.SetDefault("retry.batch_size", 100)

	v.SetDefault("log.level", "info")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "payment-automaton")
}

// Load reads config.yaml from the given search paths (default "." and
// "./config"), applies PAYMENTS_* environment overrides and validates the
// result. A missing config file is not an error.
//
// When APP_ENV is "local", variables from the file named by PAYMENTS_ENV_FILE
// (default ".env") are loaded first. They never replace variables already set.
func Load(paths ...string) (*Config, error) {
	if os.Getenv("APP_ENV") == "local" {
		envFile := os.Getenv(EnvPrefix + "_ENV_FILE")
		if envFile == "" {
			envFile = ".env"
		}
		if err := godotenv.Load(envFile); err != nil {
			logrus.WithError(err).WithField("file", envFile).Debug("config: no env file loaded")
		}
	}

	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("config: database.dsn is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}
	if c.Plugin.Timeout <= 0 {
		return fmt.Errorf("config: plugin.timeout must be positive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required when redis is enabled")
	}
	// The redis lock is not refreshed, so it has to outlive a plugin call.
	if c.Redis.Enabled && c.Redis.LockTTL <= c.Plugin.Timeout {
		return fmt.Errorf("config: redis.lock_ttl (%s) must exceed plugin.timeout (%s)", c.Redis.LockTTL, c.Plugin.Timeout)
	}
	if c.NSQ.Enabled && (c.NSQ.Address == "" || c.NSQ.Topic == "") {
		return fmt.Errorf("config: nsq.address and nsq.topic are required when nsq is enabled")
	}
	if c.Plugin.HTTPGateway.Enabled && c.Plugin.HTTPGateway.BaseURL == "" {
		return fmt.Errorf("config: plugin.http_gateway.base_url is required when the gateway is enabled")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: retry.max_attempts must not be negative")
	}
	return nil
}
