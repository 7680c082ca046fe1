// Package postgres wraps the connection the pointer store runs on.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresConfig holds the pointer store's connection settings.
type PostgresConfig struct {
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDatabase string
	PostgresSSLMode  string
	// PostgresSchema sets the connection's search_path so callers can issue
	// unqualified table names against a schema other than "public". Left
	// empty, the server's default search_path applies.
	PostgresSchema string
}

// Postgres wraps one *sql.DB shared by the pointer store and its monitor.
type Postgres struct {
	conn *sql.DB
}

// NewPostgres opens a connection pool; connectivity is verified separately
// via HealthCheck so startup wiring controls the deadline.
func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Postgres{conn: db}, nil
}

// NewPostgresWithDB wraps an existing connection, for tests using sqlmock.
func NewPostgresWithDB(db *sql.DB) *Postgres {
	return &Postgres{conn: db}
}

// HealthCheck pings the server.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	return p.conn.PingContext(ctx)
}

// GetClient exposes the underlying pool.
func (p *Postgres) GetClient() *sql.DB {
	return p.conn
}

// Close closes the pool.
func (p *Postgres) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func buildDSN(cfg PostgresConfig) string {
	if cfg.PostgresSSLMode == "" {
		cfg.PostgresSSLMode = "disable"
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.PostgresHost,
		cfg.PostgresPort,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cfg.PostgresDatabase,
		cfg.PostgresSSLMode,
	)
	if cfg.PostgresSchema != "" {
		dsn += fmt.Sprintf(" options='-c search_path=%s'", cfg.PostgresSchema)
	}
	return dsn
}
