package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/orderflow/internal/shared/config"
)

var keys = []string{
	"APP_ENV", "LOG_LEVEL", "HTTP_ADDR", "DATABASE_URL", "DB_MIGRATE", "STREAM_BACKEND",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "EVENT_STREAM", "DEAD_LETTER_STREAM",
	"CONSUMER_GROUP", "CONSUMER_NAME", "CONSUMERS", "GROUP_START", "READ_BATCH_SIZE",
	"READ_BLOCK_TIMEOUT", "CLAIM_TIMEOUT", "SWEEP_INTERVAL", "MAX_ATTEMPTS", "RETRY_BACKOFF",
	"RETRY_BACKOFF_MAX", "HANDLER_TIMEOUT", "STREAM_MAX_LEN", "OUTBOX_BATCH_SIZE",
	"OUTBOX_POLL_INTERVAL", "OUTBOX_PROCESSING_TIMEOUT", "OUTBOX_RELAY_ENABLED",
	"KAFKA_MIRROR_BROKERS", "KAFKA_MIRROR_TOPIC", "SMTP_ADDR", "SMTP_FROM", "SMTP_USERNAME",
	"SMTP_PASSWORD", "SMTP_TIMEOUT", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONN_MAX_LIFETIME",
	"DB_CONN_MAX_IDLE_TIME", "DB_PING_TIMEOUT", "KAFKA_MIRROR_WRITE_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load("order-service")
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, config.BackendRedis, cfg.StreamBackend)
	assert.Equal(t, "orders", cfg.EventStream)
	assert.Equal(t, "orders.dead", cfg.Consumer.DeadLetterStream)
	assert.Equal(t, "order-service", cfg.Consumer.Group)
	assert.Contains(t, cfg.Consumer.Name, "order-service-")
	assert.Equal(t, 3, cfg.Consumer.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Consumer.BlockTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Consumer.ClaimTimeout)
	assert.Greater(t, cfg.Consumer.ClaimTimeout, cfg.Consumer.BatchBudget())
	assert.True(t, cfg.Outbox.RelayEnabled)
	assert.False(t, cfg.KafkaMirror.Enabled())
	assert.Equal(t, 5*time.Second, cfg.KafkaMirror.WriteTimeout)
	assert.Equal(t, config.DBConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		PingTimeout:     10 * time.Second,
	}, cfg.DB)
	assert.Equal(t, 30*time.Second, cfg.SMTP.Timeout)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STREAM_BACKEND", "memory")
	t.Setenv("EVENT_STREAM", "shop")
	t.Setenv("CONSUMERS", "4")
	t.Setenv("READ_BLOCK_TIMEOUT", "500ms")
	t.Setenv("KAFKA_MIRROR_BROKERS", "k1:9092, k2:9092")
	t.Setenv("OUTBOX_RELAY_ENABLED", "false")
	t.Setenv("DB_MAX_OPEN_CONNS", "25")
	t.Setenv("DB_MAX_IDLE_CONNS", "5")
	t.Setenv("DB_PING_TIMEOUT", "1m")
	t.Setenv("KAFKA_MIRROR_WRITE_TIMEOUT", "750ms")
	t.Setenv("SMTP_TIMEOUT", "5s")

	cfg, err := config.Load("notification-service")
	require.NoError(t, err)

	assert.Equal(t, config.BackendMemory, cfg.StreamBackend)
	assert.Equal(t, "shop.dead", cfg.Consumer.DeadLetterStream)
	assert.Equal(t, 4, cfg.Consumer.Consumers)
	assert.Equal(t, 500*time.Millisecond, cfg.Consumer.BlockTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaMirror.Brokers)
	assert.True(t, cfg.KafkaMirror.Enabled())
	assert.False(t, cfg.Outbox.RelayEnabled)
	assert.Equal(t, 25, cfg.DB.MaxOpenConns)
	assert.Equal(t, 5, cfg.DB.MaxIdleConns)
	assert.Equal(t, time.Minute, cfg.DB.PingTimeout)
	assert.Equal(t, 750*time.Millisecond, cfg.KafkaMirror.WriteTimeout)
	assert.Equal(t, 5*time.Second, cfg.SMTP.Timeout)
}

func TestLoadRejectsIdlePoolLargerThanOpenPool(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_MAX_OPEN_CONNS", "4")
	t.Setenv("DB_MAX_IDLE_CONNS", "8")

	_, err := config.Load("order-service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_MAX_IDLE_CONNS=8")
}

func TestLoadCollectsEveryInvalidValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_ATTEMPTS", "many")
	t.Setenv("READ_BLOCK_TIMEOUT", "soon")
	t.Setenv("STREAM_BACKEND", "kafka")

	_, err := config.Load("order-service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_ATTEMPTS")
	assert.Contains(t, err.Error(), "READ_BLOCK_TIMEOUT")
	assert.Contains(t, err.Error(), "STREAM_BACKEND")
}

func TestLoadRejectsClaimTimeoutBelowRetryBudget(t *testing.T) {
	clearEnv(t)
	t.Setenv("CLAIM_TIMEOUT", "10s")

	_, err := config.Load("order-service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLAIM_TIMEOUT")
}

func TestClaimBudgetCoversWholeBatch(t *testing.T) {
	clearEnv(t)
	// One entry needs 3*(10s+5s)=45s; ten of them need 450s.
	t.Setenv("CLAIM_TIMEOUT", "1m")

	_, err := config.Load("order-service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "READ_BATCH_SIZE")

	t.Setenv("READ_BATCH_SIZE", "1")
	cfg, err := config.Load("order-service")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Consumer.BatchBudget())
}

func TestLoadRejectsDeadLetterOnSourceStream(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEAD_LETTER_STREAM", "orders")

	_, err := config.Load("order-service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEAD_LETTER_STREAM")
}
