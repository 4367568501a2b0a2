/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stored-value ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment), apply command-line flags
  2. Build the zap logger
  3. Open the store selected by DB_DRIVER
  4. Wire the event sink (Kafka when KAFKA_BROKERS is set)
  5. Create engine, API handler, router and audit scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS (override environment):
  -port    HTTP server port (PORT, default: 8080)
  -db      SQLite database path (DB_PATH, default: stored-value.db)
           Use ":memory:" for in-memory database
  -driver  sqlite | postgres | memory (DB_DRIVER, default: sqlite)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Close the event publisher and database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run against PostgreSQL
  DATABASE_URL=postgres://localhost/ledger ./server -driver=postgres

  # Enforce load limits
  ACCOUNTS_MIN_LOAD_VALUE=25 ACCOUNTS_MAX_ACCOUNT_VALUE=500 ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Stores
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/stored-value/api"
	"github.com/warp/stored-value/config"
	"github.com/warp/stored-value/events"
	"github.com/warp/stored-value/ledger"
	"github.com/warp/stored-value/ledger/store"
	"github.com/warp/stored-value/store/postgres"
	"github.com/warp/stored-value/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	driver := flag.String("driver", cfg.Driver, "Store driver: sqlite, postgres or memory")
	flag.Parse()
	cfg.Port, cfg.DBPath, cfg.Driver = *port, *dbPath, *driver
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Initialize store
	db, ping, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeStore()
	logger.Info("store ready", zap.String("driver", cfg.Driver))

	// Events
	var sink ledger.EventSink = ledger.NopSink{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		sink = publisher
		logger.Info("publishing ledger events",
			zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	engine := ledger.NewEngine(db, cfg.Policy,
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithEventSink(sink),
		ledger.WithRetry(cfg.MaxRetries, cfg.RetryBackoff),
	)

	policy := engine.Policy()
	logger.Info("ledger policy",
		zap.String("minimum_load_value", limit(policy.MinimumLoadValue)),
		zap.String("maximum_account_value", limit(policy.MaximumAccountValue)),
		zap.Bool("enforce_validity_window", policy.EnforceValidityWindow),
	)

	metrics := api.NewMetrics()
	handler := api.NewHandler(engine, logger.Named("http"), metrics)
	handler.Ping = ping

	scheduler := api.NewAuditScheduler(engine, logger, metrics, cfg.AuditInterval)
	scheduler.Start()
	defer scheduler.Stop()
	handler.Audits = scheduler

	router := api.NewRouter(handler, cfg.CORSAllowedOrigins)

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// openStore opens the store for cfg.Driver and returns it with a health
// probe and a close function.
func openStore(ctx context.Context, cfg config.Config) (ledger.TxStore, func(context.Context) error, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Ping, func() { s.Close() }, nil
	case config.DriverMemory:
		return store.NewMemory(), nil, func() {}, nil
	default:
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Ping, func() { s.Close() }, nil
	}
}

func limit(m *ledger.Money) string {
	if m == nil {
		return "none"
	}
	return m.String()
}
