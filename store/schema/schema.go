// Package schema runs versioned migrations for the SQL backends.
package schema

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
)

type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// ParseDirection accepts "up" or "down".
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Up, Down:
		return d, nil
	}
	return "", fmt.Errorf("unknown migration direction %q (want up or down)", s)
}

// Run moves the schema in direction. steps <= 0 means all the way.
// An already current schema is not an error.
func Run(m *migrate.Migrate, dir Direction, steps int) error {
	var err error
	switch {
	case steps > 0 && dir == Down:
		err = m.Steps(-steps)
	case steps > 0:
		err = m.Steps(steps)
	case dir == Down:
		err = m.Down()
	default:
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", dir, err)
	}
	return nil
}

// Version reports the current schema version. Version 0 means no migration
// has been applied.
func Version(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}
