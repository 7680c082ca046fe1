// Package testutil provisions ephemeral Postgres, Redis and MongoDB
// containers for integration tests, using the typed testcontainers-go
// modules rather than hand-rolled GenericContainer requests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDatabase wraps an ephemeral Postgres container plus an open handle to
// it.
type TestDatabase struct {
	Container testcontainers.Container
	DB        *sql.DB
	DSN       string
}

// SetupTestPostgres starts a postgres:15-alpine container and opens a
// connection to it.
func SetupTestPostgres(ctx context.Context) (*TestDatabase, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("postgres connection string: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	var pingErr error
	for i := 0; i < 30; i++ {
		if pingErr = db.Ping(); pingErr == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if pingErr != nil {
		return nil, fmt.Errorf("postgres never became ready: %w", pingErr)
	}

	return &TestDatabase{Container: container, DB: db, DSN: dsn}, nil
}

// Cleanup closes the connection and terminates the container.
func (td *TestDatabase) Cleanup(ctx context.Context) error {
	if td.DB != nil {
		td.DB.Close()
		td.DB = nil
	}
	if td.Container != nil {
		err := td.Container.Terminate(ctx)
		td.Container = nil
		return err
	}
	return nil
}

// TestRedis wraps an ephemeral Redis container.
type TestRedis struct {
	Container testcontainers.Container
	URL       string
}

// SetupTestRedis starts a redis:7-alpine container.
func SetupTestRedis(ctx context.Context) (*TestRedis, error) {
	container, err := redis.RunContainer(ctx,
		testcontainers.WithImage("redis:7-alpine"),
		redis.WithSnapshotting(10, 1),
		redis.WithLogLevel(redis.LogLevelVerbose),
	)
	if err != nil {
		return nil, fmt.Errorf("start redis container: %w", err)
	}

	url, err := container.ConnectionString(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis connection string: %w", err)
	}

	return &TestRedis{Container: container, URL: url}, nil
}

// Cleanup terminates the Redis container.
func (tr *TestRedis) Cleanup(ctx context.Context) error {
	if tr.Container == nil {
		return nil
	}
	err := tr.Container.Terminate(ctx)
	tr.Container = nil
	return err
}

// TestMongoDB wraps an ephemeral MongoDB container.
type TestMongoDB struct {
	Container testcontainers.Container
	URI       string
}

// SetupTestMongoDB starts a mongo:6 container and returns its connection
// URI, matching the replica-set-enabled single-node setup the driver's
// session/transaction API (used by internal/store/mongo) requires.
func SetupTestMongoDB(ctx context.Context) (*TestMongoDB, error) {
	container, err := mongodb.RunContainer(ctx,
		testcontainers.WithImage("mongo:6"),
		mongodb.WithReplicaSet("rs0"),
	)
	if err != nil {
		return nil, fmt.Errorf("start mongodb container: %w", err)
	}

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		return nil, fmt.Errorf("mongodb connection string: %w", err)
	}

	return &TestMongoDB{Container: container, URI: uri}, nil
}

// Cleanup terminates the MongoDB container.
func (tm *TestMongoDB) Cleanup(ctx context.Context) error {
	if tm.Container == nil {
		return nil
	}
	err := tm.Container.Terminate(ctx)
	tm.Container = nil
	return err
}
