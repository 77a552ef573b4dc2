package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// runMigrations applies all pending schema migrations to db using the
// embedded SQL files. It is safe to call on every startup.
func runMigrations(db *sql.DB, dbPath string) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("storage: open migration source: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("storage: init migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbPath, dbDriver)
	if err != nil {
		return fmt.Errorf("storage: build migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("storage: apply migrations: %w", err)
	}

	utils.Info("[Storage] Schema migrations applied to %s", dbPath)
	return nil
}
