/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reward ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment)
  2. Configure logging
  3. Open the store selected by DB_DRIVER and apply migrations
  4. Create ledger services and API handler
  5. Start server with graceful shutdown

CONFIGURATION:
  See config/config.go. The most common variables:
    PORT          HTTP server port (default: 8080)
    DB_DRIVER     sqlite | postgres | memory (default: sqlite)
    SQLITE_PATH   SQLite database path (default: rewards.db)
    DATABASE_URL  PostgreSQL URL for the postgres driver
    API_TOKEN     Bearer token required on /api (empty disables auth)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  3. Close the store
  4. Exit

EXAMPLES:
  # Run with file database
  SQLITE_PATH=./data/rewards.db ./server

  # Run with in-memory database
  DB_DRIVER=memory ./server

  # Run against PostgreSQL
  DB_DRIVER=postgres DATABASE_URL=postgres://localhost/rewards ./server

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
  - cmd/migrate: Schema management without starting the server
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/reward-ledger/api"
	"github.com/warp/reward-ledger/config"
	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/ledger/store"
	"github.com/warp/reward-ledger/store/postgres"
	"github.com/warp/reward-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	log := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	st, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).WithField("driver", cfg.DBDriver).Fatal("Failed to initialize store")
	}
	defer st.Close()

	// Initialize services and handler
	dir := ledger.NewDirectory(st, log)
	engine := ledger.NewEngine(st, log, ledger.WithFloor(cfg.BalanceFloor))
	query := ledger.NewQuery(st, ledger.WithPageSizes(cfg.DefaultPageSize, cfg.MaxPageSize))

	var health api.Pinger
	if p, ok := st.(api.Pinger); ok {
		health = p
	}
	handler := api.NewHandler(dir, engine, query, health, log)

	if cfg.APIToken == "" {
		log.Warn("API_TOKEN is empty: /api is served without authentication")
	}
	router := api.NewRouter(handler, api.RouterOptions{
		APIToken:       cfg.APIToken,
		AllowedOrigins: cfg.CORSOrigins,
		Log:            log,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":   cfg.Port,
			"driver": cfg.DBDriver,
			"floor":  engine.Floor(),
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	select {
	case <-ctx.Done():
	case err := <-errc:
		log.WithError(err).Error("Server failed")
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	log.Info("Server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		return store.NewMemory(), nil
	case config.DriverPostgres:
		return postgres.New(ctx, postgres.Options{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
	default:
		return sqlite.New(cfg.SQLitePath)
	}
}
