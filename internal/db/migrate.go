// Package db owns the latch Postgres schema and applies it with golang-migrate.
package db

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Schema is the Postgres schema holding every latch table.
const Schema = "latch"

// MigrationFS embeds the SQL migrations applied by Migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS

// ErrNoChange is returned by golang-migrate when already at the target version.
// Migrate swallows it; it is exported for callers that drive migrate directly.
var ErrNoChange = migrate.ErrNoChange

// Direction selects which way Migrate moves the schema.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Migrate applies every pending migration in direction against dsn.
// Being already at the target version is not an error.
func Migrate(dsn string, direction Direction) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return errors.New("db: database url is empty")
	}
	if direction != Up && direction != Down {
		return fmt.Errorf("db: direction must be up or down, got %q", direction)
	}

	src, err := iofs.New(MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("db: migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if direction == Up {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: migrate %s: %w", direction, err)
	}
	return nil
}
