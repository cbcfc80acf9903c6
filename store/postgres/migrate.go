package postgres

import (
	"embed"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/warp/reward-ledger/store/schema"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrateURL rewrites a postgres:// URL to the pgx5:// scheme the migrate
// driver registers.
func migrateURL(url string) (string, error) {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(url, prefix); ok {
			return "pgx5://" + rest, nil
		}
	}
	if strings.HasPrefix(url, "pgx5://") {
		return url, nil
	}
	return "", fmt.Errorf("migrations need a postgres:// url")
}

func (s *Store) migrator() (*migrate.Migrate, error) {
	url, err := migrateURL(s.url)
	if err != nil {
		return nil, err
	}
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("create iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, url)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

// Migrate moves the schema in dir by steps (all the way when steps <= 0).
// The migrate driver holds an advisory lock, so concurrent servers are safe.
func (s *Store) Migrate(dir schema.Direction, steps int) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	defer m.Close()
	return schema.Run(m, dir, steps)
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	defer m.Close()
	return schema.Version(m)
}
