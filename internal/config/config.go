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
	"gopkg.in/yaml.v3"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	ReservationModeAllOrNothing = "all_or_nothing"
	ReservationModeItemByItem   = "item_by_item"
)

type AppConfig struct {
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
}

type StorageConfig struct {
	Driver   string `yaml:"driver"`
	SeedFile string `yaml:"seed_file"`
}

type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MigrationsPath  string        `yaml:"migrations_path"`
}

type RedisConfig struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// Enabled reports whether a Redis address was configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type OrdersConfig struct {
	ReservationMode   string `yaml:"reservation_mode"`
	ProductLocks      bool   `yaml:"product_locks"`
	StrictTransitions bool   `yaml:"strict_transitions"`
}

type Config struct {
	App      AppConfig      `yaml:"app"`
	Storage  StorageConfig  `yaml:"storage"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Auth     AuthConfig     `yaml:"auth"`
	Orders   OrdersConfig   `yaml:"orders"`
}

func defaults() Config {
	return Config{
		App: AppConfig{
			Port:     "8080",
			Env:      "development",
			LogLevel: "info",
		},
		Storage: StorageConfig{
			Driver: StorageDriverPostgres,
		},
		Postgres: PostgresConfig{
			Port:            "5432",
			SSLMode:         "disable",
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
			MigrationsPath:  "migrations",
		},
		Redis: RedisConfig{
			CacheTTL:       5 * time.Minute,
			IdempotencyTTL: 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Topic: "orders",
		},
		Orders: OrdersConfig{
			ReservationMode: ReservationModeAllOrNothing,
			ProductLocks:    true,
		},
	}
}

// NewConfig builds the configuration from defaults, an optional .env file,
// an optional YAML file named by CONFIG_FILE and finally the environment.
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.App.Port, "APP_PORT")
	setString(&cfg.App.Env, "APP_ENV")
	setString(&cfg.App.LogLevel, "LOG_LEVEL")

	setString(&cfg.Storage.Driver, "STORAGE_DRIVER")
	setString(&cfg.Storage.SeedFile, "SEED_FILE")

	setString(&cfg.Postgres.Host, "DB_HOST")
	setString(&cfg.Postgres.Port, "DB_PORT")
	setString(&cfg.Postgres.User, "DB_USER")
	setString(&cfg.Postgres.Password, "DB_PASSWORD")
	setString(&cfg.Postgres.DBName, "DB_NAME")
	setString(&cfg.Postgres.SSLMode, "DB_SSLMODE")
	setString(&cfg.Postgres.MigrationsPath, "DB_MIGRATIONS_PATH")
	if err := setInt32(&cfg.Postgres.MaxConns, "DB_MAX_CONNS"); err != nil {
		return err
	}
	if err := setInt32(&cfg.Postgres.MinConns, "DB_MIN_CONNS"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Postgres.MaxConnLifetime, "DB_MAX_CONN_LIFETIME"); err != nil {
		return err
	}

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	if err := setInt(&cfg.Redis.DB, "REDIS_DB"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Redis.CacheTTL, "REDIS_CACHE_TTL"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Redis.IdempotencyTTL, "IDEMPOTENCY_TTL"); err != nil {
		return err
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitCSV(v)
	}
	setString(&cfg.Kafka.Topic, "KAFKA_TOPIC")

	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")

	setString(&cfg.Orders.ReservationMode, "RESERVATION_MODE")
	if err := setBool(&cfg.Orders.ProductLocks, "STOCK_PRODUCT_LOCKS"); err != nil {
		return err
	}
	if err := setBool(&cfg.Orders.StrictTransitions, "ORDER_STRICT_TRANSITIONS"); err != nil {
		return err
	}

	return nil
}

// Validate checks the settings that the process cannot start without.
func (c *Config) Validate() error {
	if c.App.Port == "" {
		return errors.New("config: APP_PORT is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}

	switch c.Storage.Driver {
	case StorageDriverPostgres:
		if c.Postgres.Host == "" {
			return errors.New("config: DB_HOST is required")
		}
		if c.Postgres.User == "" {
			return errors.New("config: DB_USER is required")
		}
		if c.Postgres.DBName == "" {
			return errors.New("config: DB_NAME is required")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("config: unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}

	switch c.Orders.ReservationMode {
	case ReservationModeAllOrNothing, ReservationModeItemByItem:
	default:
		return fmt.Errorf("config: unknown RESERVATION_MODE %q", c.Orders.ReservationMode)
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt32(dst *int32, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	*dst = int32(n)
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s must be a boolean: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s must be a duration: %w", key, err)
	}
	*dst = d
	return nil
}

func splitCSV(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
