package store

import (
	"embed"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies (up) or rolls back (down) every embedded migration
// against the Postgres database at dsn. dsn must be a postgres:// URL.
func Migrate(dsn string, up bool) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	defer m.Close()

	if up {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.Printf("store: migrations already current")
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}

	version, dirty, verr := m.Version()
	if verr == nil {
		log.Printf("store: schema at version %d (dirty=%v)", version, dirty)
	}
	return nil
}
