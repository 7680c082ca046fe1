// Package migration applies the pointer store's embedded SQL migrations at
// indexerd startup, into a dedicated schema so the coordinator's tables
// never collide with anything else living in the same database.
package migration

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

// Config holds what the migrator needs: a plain DSN (migrations run on
// their own short-lived connection, not the application pool), the service
// name used to derive the migrations bookkeeping table, the target schema,
// and the embedded migration files.
type Config struct {
	DatabaseURL string
	Service     string
	SchemaName  string
	Migrations  embed.FS
}

// Migrator runs embedded migrations against one schema.
type Migrator struct {
	db         *sql.DB
	migrations embed.FS
	service    string
	schemaName string
}

// NewMigrator opens and verifies the migration connection.
func NewMigrator(config *Config) (*Migrator, error) {
	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open migration connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping migration connection: %w", err)
	}
	return &Migrator{
		db:         db,
		migrations: config.Migrations,
		service:    config.Service,
		schemaName: config.SchemaName,
	}, nil
}

// Migrate creates the schema if needed and applies every pending migration.
// An already up-to-date database is not an error.
func (m *Migrator) Migrate() error {
	if _, err := m.db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", m.schemaName)); err != nil {
		return fmt.Errorf("create schema %s: %w", m.schemaName, err)
	}
	if _, err := m.db.Exec(fmt.Sprintf("SET search_path TO %s", m.schemaName)); err != nil {
		return fmt.Errorf("set search_path to %s: %w", m.schemaName, err)
	}

	mg, err := m.instance()
	if err != nil {
		return err
	}
	if err := mg.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Version reports the current migration version and whether it is dirty.
func (m *Migrator) Version() (uint, bool, error) {
	mg, err := m.instance()
	if err != nil {
		return 0, false, err
	}
	return mg.Version()
}

// Force pins the recorded version without running any migration, the
// recovery path for a dirty state left by an interrupted deploy.
func (m *Migrator) Force(version int) error {
	mg, err := m.instance()
	if err != nil {
		return err
	}
	if err := mg.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	return nil
}

func (m *Migrator) instance() (*migrate.Migrate, error) {
	src, err := iofs.New(m.migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(m.db, &postgres.Config{
		SchemaName:      m.schemaName,
		MigrationsTable: strings.ReplaceAll(m.service, "-", "_") + "_migrations",
	})
	if err != nil {
		return nil, fmt.Errorf("init postgres migration driver: %w", err)
	}
	mg, err := migrate.NewWithInstance("iofs", src, m.schemaName, driver)
	if err != nil {
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	return mg, nil
}

// Close releases the migration connection.
func (m *Migrator) Close() error {
	return m.db.Close()
}
