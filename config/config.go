// Package config loads the server configuration from the environment. An
// optional .env file in the working directory is read first.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/warp/commission-engine/commission"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	// --- HTTP ---
	Port int `envconfig:"PORT" default:"8080"`

	// --- Storage ---
	DBDriver   string `envconfig:"DB_DRIVER" default:"sqlite"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"commission.db"`

	// DatabaseURL wins over the DB_* parts when set.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBHost      string `envconfig:"DB_HOST" default:"localhost"`
	DBPort      int    `envconfig:"DB_PORT" default:"5432"`
	DBUser      string `envconfig:"DB_USER" default:"postgres"`
	DBPassword  string `envconfig:"DB_PASSWORD"`
	DBName      string `envconfig:"DB_NAME" default:"commission"`
	DBSSLMode   string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"2"`

	// --- Notifications ---
	// Empty means WalletCredited events are only logged.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	// --- Catalog ---
	RatesFile string `envconfig:"RATES_FILE"`
	Currency  string `envconfig:"CURRENCY" default:"INR"`

	// --- Engine ---
	Workers          int           `envconfig:"WORKERS" default:"8"`
	QueueSize        int           `envconfig:"QUEUE_SIZE" default:"1024"`
	RetryMaxAttempts uint          `envconfig:"RETRY_MAX_ATTEMPTS" default:"4"`
	RetryInitial     time.Duration `envconfig:"RETRY_INITIAL" default:"50ms"`
	RetryMax         time.Duration `envconfig:"RETRY_MAX" default:"2s"`
	ClaimLease       time.Duration `envconfig:"CLAIM_LEASE" default:"5m"`
	ZeroRatePolicy   string        `envconfig:"ZERO_RATE_POLICY" default:"skip"`

	// --- Replay scheduler ---
	ReplaySchedule    string        `envconfig:"REPLAY_SCHEDULE" default:"@every 1m"`
	ReplayMaxAttempts int           `envconfig:"REPLAY_MAX_ATTEMPTS" default:"5"`
	ReplayDelay       time.Duration `envconfig:"REPLAY_DELAY" default:"1m"`
	ReplayBatch       int           `envconfig:"REPLAY_BATCH" default:"100"`

	// --- Logging ---
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	// --- Demo ---
	EnableScenarios bool `envconfig:"ENABLE_SCENARIOS" default:"false"`
}

// Load reads .env (if present) and the environment, then validates.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("DB_DRIVER must be memory, sqlite or postgres, got %q", c.DBDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be > 0")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be > 0")
	}
	if c.RetryMaxAttempts == 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be > 0")
	}
	if c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial {
		return fmt.Errorf("RETRY_INITIAL must be > 0 and <= RETRY_MAX")
	}
	if c.ClaimLease <= 0 {
		return fmt.Errorf("CLAIM_LEASE must be > 0")
	}
	if c.ReplayMaxAttempts <= 0 {
		return fmt.Errorf("REPLAY_MAX_ATTEMPTS must be > 0")
	}
	switch commission.ZeroRatePolicy(c.ZeroRatePolicy) {
	case commission.ZeroRateSkip, commission.ZeroRateRecord:
	default:
		return fmt.Errorf("ZERO_RATE_POLICY must be skip or record, got %q", c.ZeroRatePolicy)
	}
	if c.Currency == "" {
		return fmt.Errorf("CURRENCY is required")
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid DB_MIN_CONNS/DB_MAX_CONNS")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// DatabaseDSN is the Postgres connection string. Parts are escaped, so
// credentials may contain any character.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	dsn := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:   "/" + c.DBName,
	}
	if c.DBSSLMode != "" {
		dsn.RawQuery = url.Values{"sslmode": {c.DBSSLMode}}.Encode()
	}
	return dsn.String()
}

// EngineConfig maps the environment onto commission.Config.
func (c *Config) EngineConfig() commission.Config {
	return commission.Config{
		Retry: commission.RetryPolicy{
			MaxAttempts:     c.RetryMaxAttempts,
			InitialInterval: c.RetryInitial,
			MaxInterval:     c.RetryMax,
		},
		MaxAttempts: c.ReplayMaxAttempts,
		RetryDelay:  c.ReplayDelay,
		ZeroRate:    commission.ZeroRatePolicy(c.ZeroRatePolicy),
	}
}
