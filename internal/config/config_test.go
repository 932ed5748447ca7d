package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 2*time.Second, cfg.Ledger.LockTimeout)
	assert.Equal(t, 3, cfg.Ledger.MaxAppendRetries)
	assert.Equal(t, 30*time.Second, cfg.Ledger.BalanceCacheTTL)
	assert.Equal(t, 30*time.Minute, cfg.Stats.DedupeWindow)
	assert.Equal(t, int64(1000), cfg.Payment.MinimumPayout)
	assert.False(t, cfg.Redis.Enabled())
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoadParsesLists(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("REDIS_HOST", "cache")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "cache:6379", cfg.Redis.Addr())
}

func TestValidateProduction(t *testing.T) {
	cfg := &Config{
		Environment: "production",
		JWT:         JWTConfig{SecretKey: "rotated"},
		Database:    DatabaseConfig{Driver: "postgres", Password: "secret"},
		Ledger:      LedgerConfig{LockTimeout: 2 * time.Second, MaxAppendRetries: 3},
	}
	assert.EqualError(t, cfg.Validate(), "webhook secret is required in production")

	cfg.Webhook.Secret = "whsec"
	assert.NoError(t, cfg.Validate())

	cfg.Database.Driver = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg.Database.Driver = "postgres"
	cfg.JWT.SecretKey = defaultJWTSecret
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveLockTimeout(t *testing.T) {
	t.Setenv("LEDGER_LOCK_TIMEOUT_MS", "0")

	_, err := Load()
	assert.EqualError(t, err, "LEDGER_LOCK_TIMEOUT_MS must be positive")

	direct := &Config{
		Environment: "development",
		Database:    DatabaseConfig{Driver: "postgres"},
		Ledger:      LedgerConfig{LockTimeout: -time.Millisecond, MaxAppendRetries: 3},
	}
	assert.EqualError(t, direct.Validate(), "LEDGER_LOCK_TIMEOUT_MS must be positive")
}

func TestDatabaseDSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: "5432", User: "app", Password: "pw", Database: "affiliate_ledger", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=app password=pw dbname=affiliate_ledger sslmode=disable", pg.DSN())

	lite := DatabaseConfig{Driver: "sqlite"}
	assert.Equal(t, "file::memory:?cache=shared", lite.DSN())

	lite.Database = "data/ledger.db"
	assert.Equal(t, "file:data/ledger.db?_busy_timeout=5000", lite.DSN())
}
