// Package config loads indexerd's process configuration from environment
// variables.
package config

import (
	"time"

	"github.com/quangdang46/subgraph-coordinator/internal/env"
	"github.com/quangdang46/subgraph-coordinator/shared/messaging"
	"github.com/quangdang46/subgraph-coordinator/shared/mongo"
	"github.com/quangdang46/subgraph-coordinator/shared/postgres"
	"github.com/quangdang46/subgraph-coordinator/shared/redis"
)

// PostgresSchemaName is the default for Postgres.PostgresSchema
// (POSTGRES_SCHEMA). cmd/indexerd's migration step creates that schema and
// its connections set it as search_path, so the two never disagree about
// where the tables live.
const postgresSchemaName = "indexerd"

const PostgresSchemaName = postgresSchemaName

// Config covers every ambient and domain dependency indexerd bootstraps:
// the chain connection, the three store backends, the mutation fan-out
// broker, the control-plane gRPC surface, and cross-cutting observability.
type Config struct {
	ChainID        string // CAIP-2-style id, e.g. "eip155-1"
	ChainRPCURL    string
	ReorgThreshold uint64 // block depth beyond which a block is assumed permanent

	ManifestDir string // directory internal/provider/filewatcher polls

	Postgres postgres.PostgresConfig
	Mongo    mongo.MongoConfig
	Redis    redis.RedisConfig
	RabbitMQ messaging.RabbitMQConfig

	GRPCListenAddr string
	TLSEnabled     bool
	TLSCertDir     string

	MetricsListenAddr string

	SentryDSN   string
	Environment string

	WatcherPollInterval time.Duration
}

// Load reads Config from the environment, matching the GetString/GetInt/
// GetDuration shape used across this stack's services.
func Load() *Config {
	return &Config{
		ChainID:        env.GetString("CHAIN_ID", "eip155-1"),
		ChainRPCURL:    env.GetString("CHAIN_RPC_URL", ""),
		ReorgThreshold: env.GetUint64("REORG_THRESHOLD", 300),

		ManifestDir: env.GetString("MANIFEST_DIR", "./manifests"),

		Postgres: postgres.PostgresConfig{
			PostgresHost:     env.GetString("POSTGRES_HOST", "localhost"),
			PostgresPort:     env.GetInt("POSTGRES_PORT", 5432),
			PostgresUser:     env.GetString("POSTGRES_USER", "postgres"),
			PostgresPassword: env.GetString("POSTGRES_PASSWORD", "password"),
			PostgresDatabase: env.GetString("POSTGRES_DATABASE", "subgraph_indexer"),
			PostgresSSLMode:  env.GetString("POSTGRES_SSL_MODE", "disable"),
			PostgresSchema:   env.GetString("POSTGRES_SCHEMA", postgresSchemaName),
		},
		Mongo: mongo.MongoConfig{
			MongoURI:      env.GetString("MONGO_URI", "mongodb://localhost:27017"),
			MongoDatabase: env.GetString("MONGO_DATABASE", "subgraph_indexer"),
		},
		Redis: redis.RedisConfig{
			RedisHost:     env.GetString("REDIS_HOST", "localhost"),
			RedisPort:     env.GetInt("REDIS_PORT", 6379),
			RedisPassword: env.GetString("REDIS_PASSWORD", ""),
			RedisDB:       env.GetInt("REDIS_DB", 0),
		},
		RabbitMQ: messaging.RabbitMQConfig{
			RabbitMQHost:     env.GetString("RABBITMQ_HOST", "localhost"),
			RabbitMQPort:     env.GetInt("RABBITMQ_PORT", 5672),
			RabbitMQUser:     env.GetString("RABBITMQ_USER", "guest"),
			RabbitMQPassword: env.GetString("RABBITMQ_PASSWORD", "guest"),
		},

		GRPCListenAddr: env.GetString("GRPC_LISTEN_ADDR", ":9090"),
		TLSEnabled:     env.GetBool("GRPC_TLS_ENABLED", false),
		TLSCertDir:     env.GetString("CERT_DIR", "/certs"),

		MetricsListenAddr: env.GetString("METRICS_LISTEN_ADDR", ":9091"),

		SentryDSN:   env.GetString("SENTRY_DSN", ""),
		Environment: env.GetString("ENVIRONMENT", "development"),

		WatcherPollInterval: env.GetDuration("MANIFEST_POLL_INTERVAL", 5*time.Second),
	}
}
