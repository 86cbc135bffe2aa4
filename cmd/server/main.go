/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commission engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, then environment)
  2. Open the store selected by DB_DRIVER
  3. Load the rate catalog
  4. Wire registry, ledger, guard, notifier and engine
  5. Start the worker pool and the replay scheduler
  6. Start the HTTP server

ENVIRONMENT:
  See config/config.go. The most used:
    PORT               HTTP port (default: 8080)
    DB_DRIVER          memory | sqlite | postgres (default: sqlite)
    SQLITE_PATH        SQLite database path (default: commission.db)
    DATABASE_URL       Postgres DSN, or DB_HOST/DB_PORT/... parts
    REDIS_ADDR         Publish wallet credits to Redis when set
    RATES_FILE         JSON rate catalog (default: built-in plans)
    ENABLE_SCENARIOS   Mount the demo scenario routes

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the replay scheduler
  4. Drain the worker queue
  5. Close storage

SEE ALSO:
  - api/server.go: Router configuration
  - commission/engine.go: Distribution
  - store/: Storage backends
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/notify"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/store/memory"
	"github.com/warp/commission-engine/store/postgres"
	"github.com/warp/commission-engine/store/sqlite"
	"github.com/warp/commission-engine/worker"
)

// backend is what every storage driver provides.
type backend interface {
	ledger.Store
	referral.Store
	commission.ClaimStore
	commission.EventStore
	api.Resetter
}

func main() {
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	applyLogConfig(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).WithField("driver", cfg.DBDriver).Fatal("Failed to initialize storage")
	}
	defer closeStore()

	// Rates
	catalog := commission.DefaultCatalog()
	if cfg.RatesFile != "" {
		if catalog, err = factory.LoadFile(cfg.RatesFile); err != nil {
			log.WithError(err).WithField("file", cfg.RatesFile).Fatal("Failed to load rate catalog")
		}
	}
	if catalog.Currency != ledger.Currency(cfg.Currency) {
		log.WithFields(log.Fields{
			"catalog":  catalog.Currency,
			"currency": cfg.Currency,
		}).Fatal("Rate catalog currency does not match CURRENCY")
	}
	log.WithFields(log.Fields{"version": catalog.Version(), "plans": len(catalog.Plans())}).Info("Rate catalog loaded")

	// Notifications
	var notifier notify.Notifier = notify.NewLogNotifier(log.StandardLogger())
	if cfg.RedisAddr != "" {
		rn := notify.NewRedisNotifier(cfg.RedisAddr)
		if err := rn.Ping(ctx); err != nil {
			log.WithError(err).Warn("Redis unreachable, wallet notifications fail until it recovers")
		}
		defer rn.Close()
		notifier = rn
	}

	// Domain
	logger := log.StandardLogger()
	registry := referral.NewRegistry(store, logger)
	wallets := ledger.NewLedger(store, catalog.Currency)
	guard := commission.NewGuard(store, cfg.ClaimLease)
	engine := commission.NewEngine(catalog, registry, wallets, guard, store, notifier, logger, cfg.EngineConfig())

	// Workers
	pool := worker.NewPool(cfg.Workers, cfg.QueueSize, func(ctx context.Context, id commission.EventID) error {
		_, err := engine.Replay(ctx, id)
		return err
	}, logger)
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	// Replays
	scheduler := api.NewReplayScheduler(engine, cfg.ReplaySchedule, cfg.ReplayBatch, logger)
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start replay scheduler")
	}

	// HTTP
	handler := api.NewHandler(engine, registry, wallets, logger)
	handler.Queue = pool
	if p, ok := store.(api.Pinger); ok {
		handler.Health = p
	}
	if cfg.EnableScenarios {
		handler.Store = store
		log.Warn("Demo scenarios enabled, POST /api/scenarios/load wipes all data")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{"port": cfg.Port, "driver": cfg.DBDriver}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	scheduler.Stop()

	cancel()
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		log.WithField("queued", pool.Len()).Warn("Worker drain timed out")
	}

	log.Info("Server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (backend, func(), error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		log.Warn("Using in-memory storage, data is lost on restart")
		return memory.New(), func() {}, nil

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:      cfg.DatabaseDSN(),
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		log.Info("Connected to PostgreSQL")
		return store, store.Close, nil

	default:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.WithField("path", cfg.SQLitePath).Info("Opened SQLite database")
		return store, func() {
			if err := store.Close(); err != nil {
				log.WithError(err).Warn("Failed to close database")
			}
		}, nil
	}
}

func setupLogging() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)
}

func applyLogConfig(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
}
