// config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all service configuration.
type Config struct {
	HTTPServer HTTPServerConfig
	Storage    StorageConfig
	Lending    LendingConfig
	Settings   SettingsConfig
	Logger     LoggerConfig
	Tracing    TracingConfig
	Import     ImportConfig
}

type HTTPServerConfig struct {
	Port int
}

type StorageConfig struct {
	Driver       string
	DSN          string
	Isolation    string
	MaxOpenConns int
}

type LendingConfig struct {
	DefaultLoanPeriodDays int
}

type SettingsConfig struct {
	CacheSize int
}

type LoggerConfig struct {
	Level string
	Mode  string
}

type TracingConfig struct {
	OTLPEndpoint string
}

type ImportConfig struct {
	RatePerMinute int
	Burst         int
}

// Load loads configuration using Viper.
// Config file name: config.yaml, searched in ./config and . ; every key can be
// overridden from the environment with dots replaced by underscores.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	cfg.HTTPServer.Port = v.GetInt("http_server.port")

	cfg.Storage.Driver = v.GetString("storage.driver")
	cfg.Storage.DSN = v.GetString("storage.dsn")
	cfg.Storage.Isolation = v.GetString("storage.isolation")
	cfg.Storage.MaxOpenConns = v.GetInt("storage.max_open_conns")

	cfg.Lending.DefaultLoanPeriodDays = v.GetInt("lending.default_loan_period_days")
	cfg.Settings.CacheSize = v.GetInt("settings.cache_size")

	cfg.Logger.Level = v.GetString("logger.level")
	cfg.Logger.Mode = v.GetString("logger.mode")

	cfg.Tracing.OTLPEndpoint = v.GetString("tracing.otlp_endpoint")

	cfg.Import.RatePerMinute = v.GetInt("import.rate_per_minute")
	cfg.Import.Burst = v.GetInt("import.burst")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_server.port", 8080)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "file:libralend.db?_pragma=foreign_keys(1)")
	v.SetDefault("storage.isolation", "default")
	v.SetDefault("storage.max_open_conns", 10)

	v.SetDefault("lending.default_loan_period_days", 14)
	v.SetDefault("settings.cache_size", 128)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.mode", "production")

	v.SetDefault("tracing.otlp_endpoint", "")

	v.SetDefault("import.rate_per_minute", 600)
	v.SetDefault("import.burst", 20)
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "postgres", "pgx", "sqlite":
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	if c.Lending.DefaultLoanPeriodDays <= 0 {
		return fmt.Errorf("lending.default_loan_period_days must be positive, got %d", c.Lending.DefaultLoanPeriodDays)
	}
	if c.HTTPServer.Port <= 0 || c.HTTPServer.Port > 65535 {
		return fmt.Errorf("invalid http_server.port %d", c.HTTPServer.Port)
	}
	return nil
}

// NewLogger builds a zap logger. Mode "development" enables the console encoder.
func (c LoggerConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("parse logger.level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.Mode == "development" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
