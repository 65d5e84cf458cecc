package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"monthlypay/internal/log"
)

//go:embed migrations/*.sql
var sqliteMigrations embed.FS

// ApplyMigrations runs the pending migrations under migrations/ in src and
// returns the resulting schema version. A dirty schema is an error; it
// needs a manual fix before the service can start.
func ApplyMigrations(src fs.FS, driverName string, driver database.Driver) (uint, error) {
	d, err := iofs.New(src, "migrations")
	if err != nil {
		return 0, fmt.Errorf("create iofs source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", d, driverName, driver)
	if err != nil {
		return 0, fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read schema version: %w", err)
	case dirty:
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

// migrateSQLite uses its own connection so a failed migration cannot leave
// the main handle in a half-configured state.
func migrateSQLite(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}
	defer db.Close()

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}
	version, err := ApplyMigrations(sqliteMigrations, "sqlite", driver)
	if err != nil {
		return err
	}
	log.NewComponentLogger(log.ComponentBackend).Info("SQLite schema ready", "path", dbPath, "version", version)
	return nil
}
