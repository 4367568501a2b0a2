/*
Package config loads server configuration from the environment.

PURPOSE:
  One place that turns environment variables (and an optional .env file)
  into typed settings: listen port, store selection, ledger policy, retry
  tuning, event publishing, audit schedule, CORS and logging.

SOURCES (later wins):
  1. Built-in defaults
  2. .env in the working directory, if present (never overrides real env)
  3. Process environment
  4. Command-line flags, applied by cmd/server

Invalid values fail Load; nothing is silently defaulted.

SEE ALSO:
  - logger.go: Builds the zap logger from LOG_LEVEL / LOG_FORMAT
  - cmd/server/main.go: Flag overrides and wiring
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/stored-value/ledger"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port        string
	Driver      string
	DBPath      string
	DatabaseURL string

	Policy       ledger.Policy
	MaxRetries   int
	RetryBackoff time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	AuditInterval time.Duration

	CORSAllowedOrigins []string

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:               "8080",
		Driver:             DriverSQLite,
		DBPath:             "stored-value.db",
		MaxRetries:         ledger.DefaultMaxRetries,
		RetryBackoff:       ledger.DefaultBackoff,
		KafkaTopic:         "stored-value.transfers",
		CORSAllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// Load reads .env (if any) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, starting at Default.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("PORT"); ok {
		cfg.Port = v
	}
	if v, ok := get("DB_DRIVER"); ok {
		cfg.Driver = strings.ToLower(v)
	}
	if v, ok := get("DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := get("DATABASE_URL"); ok {
		cfg.DatabaseURL = v
	}

	if v, ok := get("ACCOUNTS_MIN_LOAD_VALUE"); ok {
		m, err := ledger.ParseMoney(v)
		if err != nil {
			return Config{}, fmt.Errorf("ACCOUNTS_MIN_LOAD_VALUE: %w", err)
		}
		cfg.Policy.MinimumLoadValue = ledger.MoneyPtr(m)
	}
	if v, ok := get("ACCOUNTS_MAX_ACCOUNT_VALUE"); ok {
		m, err := ledger.ParseMoney(v)
		if err != nil {
			return Config{}, fmt.Errorf("ACCOUNTS_MAX_ACCOUNT_VALUE: %w", err)
		}
		cfg.Policy.MaximumAccountValue = ledger.MoneyPtr(m)
	}
	if v, ok := get("ACCOUNTS_ENFORCE_VALIDITY_WINDOW"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("ACCOUNTS_ENFORCE_VALIDITY_WINDOW: %w", err)
		}
		cfg.Policy.EnforceValidityWindow = b
	}

	if v, ok := get("LEDGER_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("LEDGER_MAX_RETRIES: must be a positive integer, got %q", v)
		}
		cfg.MaxRetries = n
	}
	if v, ok := get("LEDGER_RETRY_BACKOFF"); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("LEDGER_RETRY_BACKOFF: invalid duration %q", v)
		}
		cfg.RetryBackoff = d
	}

	if v, ok := get("KAFKA_BROKERS"); ok {
		cfg.KafkaBrokers = splitList(v)
	}
	if v, ok := get("KAFKA_TOPIC"); ok {
		cfg.KafkaTopic = v
	}

	if v, ok := get("AUDIT_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("AUDIT_INTERVAL: invalid duration %q", v)
		}
		cfg.AuditInterval = d
	}

	if v, ok := get("CORS_ALLOWED_ORIGINS"); ok {
		cfg.CORSAllowedOrigins = splitList(v)
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.LogFormat = strings.ToLower(v)
	}

	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("DB_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("DB_DRIVER: unknown driver %q", c.Driver)
	}

	if lo, hi := c.Policy.MinimumLoadValue, c.Policy.MaximumAccountValue; lo != nil && hi != nil && lo.GreaterThan(*hi) {
		return fmt.Errorf("ACCOUNTS_MIN_LOAD_VALUE %s exceeds ACCOUNTS_MAX_ACCOUNT_VALUE %s", lo, hi)
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT: must be json or console, got %q", c.LogFormat)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
