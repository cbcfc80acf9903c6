// Command migrate applies or rolls back the schema of the configured backend
// without starting the server.
//
//	migrate -direction=up
//	migrate -direction=down -steps=1
//
// The backend is chosen by DB_DRIVER (sqlite or postgres) as in cmd/server.
package main

import (
	"context"
	"flag"

	"github.com/sirupsen/logrus"

	"github.com/warp/reward-ledger/config"
	"github.com/warp/reward-ledger/store/postgres"
	"github.com/warp/reward-ledger/store/schema"
	"github.com/warp/reward-ledger/store/sqlite"
)

type migrator interface {
	Migrate(dir schema.Direction, steps int) error
	SchemaVersion() (uint, bool, error)
	Close() error
}

func main() {
	direction := flag.String("direction", "up", "up or down")
	steps := flag.Int("steps", 0, "number of migrations to apply (0 = all)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	log := cfg.NewLogger()

	dir, err := schema.ParseDirection(*direction)
	if err != nil {
		log.WithError(err).Fatal("Invalid flags")
	}

	var m migrator
	switch cfg.DBDriver {
	case config.DriverPostgres:
		m, err = postgres.Open(context.Background(), postgres.Options{URL: cfg.DatabaseURL, MaxConns: 2})
	case config.DriverSQLite:
		m, err = sqlite.Open(cfg.SQLitePath)
	default:
		log.WithField("driver", cfg.DBDriver).Fatal("Driver has no schema to migrate")
	}
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer m.Close()

	entry := log.WithFields(logrus.Fields{"driver": cfg.DBDriver, "direction": dir, "steps": *steps})
	if err := m.Migrate(dir, *steps); err != nil {
		entry.WithError(err).Fatal("Migration failed")
	}
	version, dirty, err := m.SchemaVersion()
	if err != nil {
		entry.WithError(err).Fatal("Failed to read schema version")
	}
	entry.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("Migration complete")
}
