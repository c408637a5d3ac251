package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/storefront/internal/config"
)

var configKeys = []string{
	"CONFIG_FILE", "APP_PORT", "APP_ENV", "LOG_LEVEL", "STORAGE_DRIVER", "SEED_FILE",
	"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "DB_MAX_CONN_LIFETIME", "DB_MIGRATIONS_PATH",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_CACHE_TTL", "IDEMPOTENCY_TTL",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "JWT_SECRET",
	"RESERVATION_MODE", "STOCK_PRODUCT_LOCKS", "ORDER_STRICT_TRANSITIONS",
}

// clearEnv blanks every key the loader reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
}

func TestNewConfig_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_USER", "postgres")
	t.Setenv("DB_NAME", "storefront")
	t.Setenv("DB_MAX_CONNS", "20")
	t.Setenv("DB_MAX_CONN_LIFETIME", "1h")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("ORDER_STRICT_TRANSITIONS", "true")

	cfg, err := config.NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, config.StorageDriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "db", cfg.Postgres.Host)
	assert.Equal(t, int32(20), cfg.Postgres.MaxConns)
	assert.Equal(t, time.Hour, cfg.Postgres.MaxConnLifetime)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.Redis.Enabled())
	assert.True(t, cfg.Orders.StrictTransitions)
	assert.True(t, cfg.Orders.ProductLocks)
	assert.Equal(t, config.ReservationModeAllOrNothing, cfg.Orders.ReservationMode)
}

func TestNewConfig_YAMLThenEnvOverride(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
app:
  port: "9090"
storage:
  driver: memory
redis:
  addr: localhost:6379
  cache_ttl: 1m
orders:
  reservation_mode: item_by_item
  product_locks: false
auth:
  jwt_secret: from-file
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("APP_PORT", "7070")

	cfg, err := config.NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.App.Port)
	assert.Equal(t, config.StorageDriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, time.Minute, cfg.Redis.CacheTTL)
	assert.Equal(t, 24*time.Hour, cfg.Redis.IdempotencyTTL)
	assert.Equal(t, config.ReservationModeItemByItem, cfg.Orders.ReservationMode)
	assert.False(t, cfg.Orders.ProductLocks)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
}

func TestNewConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing_secret",
			env:     map[string]string{"STORAGE_DRIVER": "memory"},
			wantErr: "JWT_SECRET is required",
		},
		{
			name:    "missing_db_host",
			env:     map[string]string{"JWT_SECRET": "s"},
			wantErr: "DB_HOST is required",
		},
		{
			name:    "unknown_driver",
			env:     map[string]string{"JWT_SECRET": "s", "STORAGE_DRIVER": "mongo"},
			wantErr: `unknown STORAGE_DRIVER "mongo"`,
		},
		{
			name:    "unknown_reservation_mode",
			env:     map[string]string{"JWT_SECRET": "s", "STORAGE_DRIVER": "memory", "RESERVATION_MODE": "yolo"},
			wantErr: `unknown RESERVATION_MODE "yolo"`,
		},
		{
			name:    "bad_bool",
			env:     map[string]string{"JWT_SECRET": "s", "STORAGE_DRIVER": "memory", "STOCK_PRODUCT_LOCKS": "maybe"},
			wantErr: "STOCK_PRODUCT_LOCKS must be a boolean",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := config.NewConfig()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
