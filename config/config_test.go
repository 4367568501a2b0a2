package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stored-value/ledger"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.Driver)
	assert.Equal(t, "stored-value.db", cfg.DBPath)
	assert.Nil(t, cfg.Policy.MinimumLoadValue)
	assert.Nil(t, cfg.Policy.MaximumAccountValue)
	assert.False(t, cfg.Policy.EnforceValidityWindow)
	assert.Equal(t, ledger.DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, ledger.DefaultBackoff, cfg.RetryBackoff)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "stored-value.transfers", cfg.KafkaTopic)
	assert.Zero(t, cfg.AuditInterval)
}

func TestFromEnv_AllSettings(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(map[string]string{
		"PORT":                             "9090",
		"DB_DRIVER":                        "Postgres",
		"DATABASE_URL":                     "postgres://localhost/ledger",
		"ACCOUNTS_MIN_LOAD_VALUE":          "10.00",
		"ACCOUNTS_MAX_ACCOUNT_VALUE":       "1000",
		"ACCOUNTS_ENFORCE_VALIDITY_WINDOW": "true",
		"LEDGER_MAX_RETRIES":               "8",
		"LEDGER_RETRY_BACKOFF":             "20ms",
		"KAFKA_BROKERS":                    "kafka-1:9092, kafka-2:9092,",
		"KAFKA_TOPIC":                      "ledger",
		"AUDIT_INTERVAL":                   "15m",
		"CORS_ALLOWED_ORIGINS":             "https://shop.example",
		"LOG_LEVEL":                        "DEBUG",
		"LOG_FORMAT":                       "console",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.Driver)
	require.NotNil(t, cfg.Policy.MinimumLoadValue)
	assert.Equal(t, "10.00", cfg.Policy.MinimumLoadValue.String())
	require.NotNil(t, cfg.Policy.MaximumAccountValue)
	assert.Equal(t, "1000.00", cfg.Policy.MaximumAccountValue.String())
	assert.True(t, cfg.Policy.EnforceValidityWindow)
	assert.Equal(t, 8, cfg.MaxRetries)
	assert.Equal(t, 20*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "ledger", cfg.KafkaTopic)
	assert.Equal(t, 15*time.Minute, cfg.AuditInterval)
	assert.Equal(t, []string{"https://shop.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad min", map[string]string{"ACCOUNTS_MIN_LOAD_VALUE": "ten"}},
		{"min with three decimals", map[string]string{"ACCOUNTS_MIN_LOAD_VALUE": "1.005"}},
		{"bad max", map[string]string{"ACCOUNTS_MAX_ACCOUNT_VALUE": "lots"}},
		{"min above max", map[string]string{"ACCOUNTS_MIN_LOAD_VALUE": "100", "ACCOUNTS_MAX_ACCOUNT_VALUE": "50"}},
		{"bad bool", map[string]string{"ACCOUNTS_ENFORCE_VALIDITY_WINDOW": "sometimes"}},
		{"zero retries", map[string]string{"LEDGER_MAX_RETRIES": "0"}},
		{"bad backoff", map[string]string{"LEDGER_RETRY_BACKOFF": "fast"}},
		{"bad audit interval", map[string]string{"AUDIT_INTERVAL": "-1m"}},
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}},
		{"postgres without url", map[string]string{"DB_DRIVER": "postgres"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(lookupFrom(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoad_ReadsDotEnvWithoutOverridingEnvironment(t *testing.T) {
	// GIVEN: a .env file and a conflicting real env var
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("KAFKA_TOPIC=from-dotenv\nPORT=7000\n"), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("PORT", "7100")
	if prev, ok := os.LookupEnv("KAFKA_TOPIC"); ok {
		t.Cleanup(func() { os.Setenv("KAFKA_TOPIC", prev) })
	} else {
		t.Cleanup(func() { os.Unsetenv("KAFKA_TOPIC") })
	}
	require.NoError(t, os.Unsetenv("KAFKA_TOPIC"))

	// WHEN
	cfg, err := Load()
	require.NoError(t, err)

	// THEN: .env fills gaps, the environment wins
	assert.Equal(t, "7100", cfg.Port)
	assert.Equal(t, "from-dotenv", cfg.KafkaTopic)
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	cfg.LogLevel = "loud"
	_, err = cfg.NewLogger()
	assert.Error(t, err)
}
