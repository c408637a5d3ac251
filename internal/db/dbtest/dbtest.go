// Package dbtest connects repository tests to a throwaway PostgreSQL
// database described by DB_*_TEST variables.
package dbtest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vasiliy-maslov/storefront/internal/config"
	"github.com/vasiliy-maslov/storefront/internal/db"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func migrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations")
}

// Connect returns nil, nil when DB_HOST_TEST is not set so callers can skip.
func Connect(ctx context.Context) (*pgxpool.Pool, error) {
	host := os.Getenv("DB_HOST_TEST")
	if host == "" {
		return nil, nil
	}

	cfg := config.PostgresConfig{
		Host:            host,
		Port:            envOr("DB_PORT_TEST", "5432"),
		User:            envOr("DB_USER_TEST", "postgres"),
		Password:        envOr("DB_PASSWORD_TEST", "postgres"),
		DBName:          envOr("DB_NAME_TEST", "storefront_test"),
		SSLMode:         envOr("DB_SSLMODE_TEST", "disable"),
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: 30 * time.Minute,
		MigrationsPath:  envOr("DB_MIGRATIONS_TEST", migrationsPath()),
	}

	if err := db.ApplyMigrations(cfg); err != nil {
		return nil, err
	}

	pg, err := db.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pg.Pool, nil
}

// Truncate empties every table the service owns.
func Truncate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, "TRUNCATE TABLE order_items, orders, products")
	return err
}
