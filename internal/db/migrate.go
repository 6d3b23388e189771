package db

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationFS holds the schema for both dialects
//
//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var MigrationFS embed.FS

// Migrate applies migrations in the given direction ("up" or "down").
// Already being at the target version is not an error.
func (db *Database) Migrate(direction string) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	sourceDriver, err := iofs.New(MigrationFS, "migrations/"+db.dialect.String())
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	// golang-migrate owns its connection so Close does not touch the pool
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, db.migrateURL())
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// SchemaVersion reports the applied migration version
func (db *Database) SchemaVersion() (uint, bool, error) {
	sourceDriver, err := iofs.New(MigrationFS, "migrations/"+db.dialect.String())
	if err != nil {
		return 0, false, fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, db.migrateURL())
	if err != nil {
		return 0, false, fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *Database) migrateURL() string {
	if db.dialect == Postgres {
		if rest, ok := strings.CutPrefix(db.dsn, "postgresql://"); ok {
			return "pgx5://" + rest
		}
		return "pgx5://" + strings.TrimPrefix(db.dsn, "postgres://")
	}
	return "sqlite3://" + db.dsn
}
