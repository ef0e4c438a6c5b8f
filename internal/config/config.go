// Package config loads cmd/mailstromd's configuration: defaults, then an
// optional YAML file, then environment variables, in a layered koanf
// setup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds cmd/mailstromd's complete configuration.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// EngineConfig maps directly onto mailstrom.Config's tunables.
type EngineConfig struct {
	HeloName        string        `mapstructure:"helo_name"`
	BaseBackoff     time.Duration `mapstructure:"base_backoff"`
	SMTPTimeout     time.Duration `mapstructure:"smtp_timeout"`
	RequireStartTLS bool          `mapstructure:"require_starttls"`
	Jitter          bool          `mapstructure:"jitter"`
	DNSNameserver   string        `mapstructure:"dns_nameserver"`
	StoreBackend    string        `mapstructure:"store_backend"` // "memory" or "postgres"

	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  time.Duration `mapstructure:"circuit_breaker_cooldown"`
}

// DatabaseConfig holds PostgreSQL connection settings, used when
// StoreBackend is "postgres".
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns a PostgreSQL connection URL.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds the asynq-backed queue's Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// LoggingConfig controls the slog handler cmd/mailstromd installs.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"engine.helo_name":        "mailstrom.localhost",
		"engine.base_backoff":     "2m",
		"engine.smtp_timeout":     "30s",
		"engine.require_starttls": false,
		"engine.jitter":           true,
		"engine.dns_nameserver":   "system",
		"engine.store_backend":    "memory",

		"engine.circuit_breaker_threshold": 5,
		"engine.circuit_breaker_cooldown":  "5m",

		"database.host":              "localhost",
		"database.port":              5432,
		"database.user":              "mailstrom",
		"database.password":          "",
		"database.dbname":            "mailstrom",
		"database.sslmode":           "disable",
		"database.max_open_conns":    10,
		"database.conn_max_lifetime": "5m",
		"database.auto_migrate":      true,

		"redis.addr":     "localhost:6379",
		"redis.password": "",

		"logging.level":  "info",
		"logging.format": "json",
	}
}

// Load reads the configuration from defaults, an optional YAML file,
// and environment variables (prefix MAILSTROM_). Later sources
// override earlier ones.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("MAILSTROM_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "MAILSTROM_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for required fields and invalid
// values, collecting every failure into a single error so an operator
// sees all of them at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.HeloName == "" {
		errs = append(errs, "engine.helo_name is required")
	}
	if c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}
	switch c.Engine.StoreBackend {
	case "memory":
	case "postgres":
		if c.Database.Host == "" {
			errs = append(errs, "database.host is required when engine.store_backend is postgres")
		}
		if c.Database.DBName == "" {
			errs = append(errs, "database.dbname is required when engine.store_backend is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("engine.store_backend must be \"memory\" or \"postgres\", got %q", c.Engine.StoreBackend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
