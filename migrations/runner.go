package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Runner applies the embedded warehouse migrations through golang-migrate.
type Runner struct {
	config  *Config
	migrate *migrate.Migrate
	db      *sql.DB
	set     *migrationSet
}

// migrateLogger routes golang-migrate output through the standard logger.
type migrateLogger struct{}

var _ migrate.Logger = (*migrateLogger)(nil)

func (l *migrateLogger) Printf(format string, v ...any) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return true }

// NewRunner validates the embedded migrations, connects to the database, and
// builds a migrate instance over the embedded source.
func NewRunner(config *Config) (*Runner, error) {
	set := newMigrationSet(nil)
	if err := set.validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("pinging database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: config.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("creating postgres driver: %w", err)
	}

	source, err := iofs.New(set.fsys, ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("creating embedded source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}

	m.Log = &migrateLogger{}

	return &Runner{config: config, migrate: m, db: db, set: set}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	err := r.migrate.Up()

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("No new migrations to apply")
	case err != nil:
		return fmt.Errorf("migration up failed: %w", err)
	default:
		log.Println("All migrations applied")
	}

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("No migrations to roll back")
	case err != nil:
		return fmt.Errorf("migration down failed: %w", err)
	default:
		log.Println("Rolled back one migration")
	}

	return nil
}

// Status reports the database schema version against what this binary
// carries.
func (r *Runner) Status() error {
	version, dirty, err := r.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading migration version: %w", err)
	}

	latest := r.set.latest()

	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Printf("Database schema: none applied, %d migration(s) available", latest)
	case dirty:
		log.Printf("Database schema: v%03d DIRTY, manual intervention required", version)
	case int(version) < latest:
		log.Printf("Database schema: v%03d, %d migration(s) pending", version, latest-int(version))
	default:
		log.Printf("Database schema: v%03d, up to date", version)
	}

	return nil
}

// Version prints the current schema version.
func (r *Runner) Version() error {
	version, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("Current version: none")

			return nil
		}

		return fmt.Errorf("reading migration version: %w", err)
	}

	note := ""
	if dirty {
		note = " (dirty)"
	}

	log.Printf("Current version: %d%s", version, note)

	return nil
}

// Drop removes everything in the schema. Destructive; the CLI confirms
// before calling this.
func (r *Runner) Drop() error {
	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop failed: %w", err)
	}

	log.Println("All tables dropped")

	return nil
}

// Close releases the migrate source and database connections.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("closing source: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("closing migrate database: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}
	}

	return errors.Join(errs...)
}
