package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/storefront/internal/auth"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
	"github.com/vasiliy-maslov/storefront/internal/config"
	"github.com/vasiliy-maslov/storefront/internal/db"
	"github.com/vasiliy-maslov/storefront/internal/events"
	"github.com/vasiliy-maslov/storefront/internal/handler"
	"github.com/vasiliy-maslov/storefront/internal/idempotency"
	"github.com/vasiliy-maslov/storefront/internal/inventory"
	"github.com/vasiliy-maslov/storefront/internal/lock"
	"github.com/vasiliy-maslov/storefront/internal/metrics"
	"github.com/vasiliy-maslov/storefront/internal/order"
	"github.com/vasiliy-maslov/storefront/internal/transport"
)

func setupLogger(cfg config.AppConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("service", "order-service").Logger()
}

type storage struct {
	catalog catalog.Repository
	orders  order.Repository
	close   func()
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	if cfg.Storage.Driver == config.StorageDriverMemory {
		log.Warn().Msg("Using in-memory storage, data is lost on restart")
		return &storage{
			catalog: catalog.NewMemoryStore(),
			orders:  order.NewMemoryRepository(),
			close:   func() {},
		}, nil
	}

	if err := db.ApplyMigrations(cfg.Postgres); err != nil {
		return nil, err
	}
	log.Info().Str("path", cfg.Postgres.MigrationsPath).Msg("Database migrations applied")

	pg, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}

	return &storage{
		catalog: catalog.NewPostgresRepository(pg.Pool),
		orders:  order.NewRepository(pg.Pool),
		close:   pg.Close,
	}, nil
}

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg.App)

	log.Info().Str("storage", cfg.Storage.Driver).Msg("Order service starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.close()

	if cfg.Storage.SeedFile != "" {
		products, err := catalog.LoadSeedFile(cfg.Storage.SeedFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.Storage.SeedFile).Msg("Failed to load seed file")
		}
		created, err := catalog.Seed(ctx, store.catalog, products)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to seed catalog")
		}
		log.Info().Int("created", created).Int("total", len(products)).Msg("Catalog seeded")
	}

	var (
		stock catalog.Store = store.catalog
		idem  idempotency.Store
	)
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := client.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close redis client")
			}
		}()

		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable at startup, cache and idempotency will degrade")
		}
		stock = catalog.NewCachedStore(stock, client, cfg.Redis.CacheTTL)
		idem = idempotency.NewRedisStore(client, cfg.Redis.IdempotencyTTL)
	}

	m := metrics.New()

	mode, err := inventory.ParseMode(cfg.Orders.ReservationMode)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid reservation mode")
	}
	ledgerOpts := []inventory.Option{
		inventory.WithMode(mode),
		inventory.WithRecorder(m),
	}
	if cfg.Orders.ProductLocks {
		ledgerOpts = append(ledgerOpts, inventory.WithProductLocks(lock.NewKeyed()))
	}
	ledger := inventory.NewLedger(stock, ledgerOpts...)
	log.Info().Str("mode", string(ledger.Mode())).Bool("product_locks", cfg.Orders.ProductLocks).Msg("Stock ledger ready")

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.Kafka.Enabled() {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Publishing order events to Kafka")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close event publisher")
		}
	}()

	svc := order.NewService(store.orders, ledger, stock,
		order.WithStrictTransitions(cfg.Orders.StrictTransitions),
		order.WithPublisher(publisher),
	)

	router := transport.NewRouter(transport.RouterDeps{
		Auth:    auth.NewAuthenticator(cfg.Auth.JWTSecret),
		Orders:  handler.NewOrderHandler(svc, idem),
		Cart:    handler.NewCartHandler(ledger),
		Metrics: m,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
		return
	}
	log.Info().Msg("Server stopped")
}
