package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationRunner applies the versioned schema in migrations/ to a
// Postgres database, grounded on the teacher's
// postgres.MigrationRunner (postgres/migration.go) — same
// golang-migrate wiring, simplified to embedded migration files
// instead of a filesystem directory lookup since this module ships
// its schema inside the binary.
type MigrationRunner struct {
	dsn     string
	logger  *log.Logger
	timeout time.Duration
}

// NewMigrationRunner builds a runner against dsn (a postgres:// URL).
func NewMigrationRunner(dsn string) *MigrationRunner {
	return &MigrationRunner{
		dsn:     dsn,
		logger:  log.New(os.Stdout, "[migrate] ", log.LstdFlags),
		timeout: 30 * time.Second,
	}
}

// Up applies every pending migration.
func (m *MigrationRunner) Up() error {
	migrator, closeFn, err := m.open()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Println("no migrations to apply - database is up to date")
			return nil
		}
		return fmt.Errorf("applying migrations: %w", err)
	}

	m.logger.Println("migrations applied successfully")
	return nil
}

// Down rolls back every applied migration.
func (m *MigrationRunner) Down() error {
	migrator, closeFn, err := m.open()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := migrator.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Println("no migrations to roll back")
			return nil
		}
		return fmt.Errorf("rolling back migrations: %w", err)
	}

	m.logger.Println("migrations rolled back successfully")
	return nil
}

func (m *MigrationRunner) open() (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", m.dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migration driver: %w", err)
	}

	sourceFS, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("opening embedded migrations: %w", err)
	}

	src, err := iofs.New(sourceFS, ".")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("building migrator: %w", err)
	}

	return migrator, func() { db.Close() }, nil
}
