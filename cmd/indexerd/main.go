// Command indexerd is the subgraph indexing coordinator process: it wires
// the chain adapter, the three store backends, the mutation fan-out
// publisher, and the control-plane provider into a coordinator.Registry and
// serves until asked to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/quangdang46/subgraph-coordinator/internal/chain/ethereum"
	"github.com/quangdang46/subgraph-coordinator/internal/config"
	"github.com/quangdang46/subgraph-coordinator/internal/coordinator"
	"github.com/quangdang46/subgraph-coordinator/internal/ctrlplane"
	"github.com/quangdang46/subgraph-coordinator/internal/provider/filewatcher"
	rabbitpub "github.com/quangdang46/subgraph-coordinator/internal/publisher/rabbitmq"
	"github.com/quangdang46/subgraph-coordinator/internal/store"
	mongostore "github.com/quangdang46/subgraph-coordinator/internal/store/mongo"
	pgstore "github.com/quangdang46/subgraph-coordinator/internal/store/postgres"
	redisstore "github.com/quangdang46/subgraph-coordinator/internal/store/redis"
	"github.com/quangdang46/subgraph-coordinator/internal/telemetry"
	"github.com/quangdang46/subgraph-coordinator/shared/database"
	"github.com/quangdang46/subgraph-coordinator/shared/logging"
	"github.com/quangdang46/subgraph-coordinator/shared/messaging"
	"github.com/quangdang46/subgraph-coordinator/shared/metrics"
	"github.com/quangdang46/subgraph-coordinator/shared/migration"
	sharedmongo "github.com/quangdang46/subgraph-coordinator/shared/mongo"
	"github.com/quangdang46/subgraph-coordinator/shared/monitoring"
	sharedpostgres "github.com/quangdang46/subgraph-coordinator/shared/postgres"
	"github.com/quangdang46/subgraph-coordinator/shared/recovery"
	sharedredis "github.com/quangdang46/subgraph-coordinator/shared/redis"
	sharedtls "github.com/quangdang46/subgraph-coordinator/shared/tls"
)

const serviceName = "indexerd"

func main() {
	cfg := config.Load()

	log := logging.NewLogger(logging.DefaultConfig(serviceName))

	if cfg.SentryDSN != "" {
		if err := monitoring.InitSentry(&monitoring.SentryConfig{
			DSN:         cfg.SentryDSN,
			Environment: cfg.Environment,
			ServiceName: serviceName,
		}); err != nil {
			log.WithError(err).Warn("sentry init failed, continuing without it")
		}
		defer monitoring.FlushSentry(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promMetrics := metrics.NewMetrics("subgraph_coordinator", serviceName)

	pg, err := sharedpostgres.NewPostgres(cfg.Postgres)
	if err != nil {
		log.WithError(err).Fatal("postgres connect failed")
	}
	defer pg.Close()
	if err := pg.HealthCheck(ctx); err != nil {
		log.WithError(err).Fatal("postgres health check failed")
	}

	if err := runMigrations(cfg); err != nil {
		log.WithError(err).Fatal("postgres migration failed")
	}

	poolMonitor := database.NewPoolMonitor(pg.GetClient(), serviceName, promMetrics, log)
	recovery.SafeGoWithContext(ctx, poolMonitor.Start)

	mongoDB, err := sharedmongo.NewMongo(cfg.Mongo)
	if err != nil {
		log.WithError(err).Fatal("mongo connect failed")
	}
	defer mongoDB.Close(ctx)
	if err := mongoDB.HealthCheck(ctx); err != nil {
		log.WithError(err).Fatal("mongo health check failed")
	}

	redisClient, err := sharedredis.NewRedis(cfg.Redis)
	if err != nil {
		log.WithError(err).Fatal("redis connect failed")
	}
	defer redisClient.Close()
	if err := redisClient.HealthCheck(ctx); err != nil {
		log.WithError(err).Fatal("redis health check failed")
	}

	amqp, err := messaging.NewRabbitMQ(cfg.RabbitMQ)
	if err != nil {
		log.WithError(err).Fatal("rabbitmq connect failed")
	}
	defer amqp.Close()

	publisher := rabbitpub.New(amqp)
	if err := publisher.Setup(); err != nil {
		log.WithError(err).Fatal("rabbitmq topology setup failed")
	}

	chainAdapter, err := ethereum.Dial(ctx, cfg.ChainRPCURL)
	if err != nil {
		log.WithError(err).Fatal("chain adapter dial failed")
	}
	defer chainAdapter.Close()

	st := store.New(
		pgstore.NewPointerStore(pg, cfg.ChainID),
		mongostore.NewEntityStore(mongoDB),
		redisstore.NewBlockCache(redisClient, cfg.ChainID),
	)

	registryMetrics := telemetry.NewRegistryMetrics(promMetrics)

	registry := coordinator.NewRegistry(st, chainAdapter, publisher, cfg.ReorgThreshold, registryMetrics, log)

	mappings := buildMappingRegistry()
	fw := filewatcher.New(cfg.ManifestDir, cfg.WatcherPollInterval, mappings.resolve, log)
	recovery.SafeGoWithContext(ctx, fw.Run)

	ctrl, err := ctrlplane.New(ctrlplane.Config{
		ListenAddr: cfg.GRPCListenAddr,
		RPCTimeout: 10 * time.Second,
		Metrics:    promMetrics,
		TLSEnabled: cfg.TLSEnabled,
		TLS: sharedtls.Config{
			CertFile: cfg.TLSCertDir + "/server.crt",
			KeyFile:  cfg.TLSCertDir + "/server.key",
			CAFile:   cfg.TLSCertDir + "/ca.crt",
		},
	}, log)
	if err != nil {
		log.WithError(err).Fatal("control plane server init failed")
	}
	recovery.SafeGo(func() {
		if err := ctrl.Serve(ctx, cfg.GRPCListenAddr); err != nil {
			log.WithError(err).Error("control plane server stopped")
		}
	})

	metricsSrv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: metrics.Handler()}
	recovery.SafeGo(func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	})

	log.WithField("chain_id", cfg.ChainID).Info("indexerd serving")
	registry.Serve(ctx, fw)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	registry.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("indexerd stopped")
}

func runMigrations(cfg *config.Config) error {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Postgres.PostgresHost,
		cfg.Postgres.PostgresPort,
		cfg.Postgres.PostgresUser,
		cfg.Postgres.PostgresPassword,
		cfg.Postgres.PostgresDatabase,
		cfg.Postgres.PostgresSSLMode,
	)
	m, err := migration.NewMigrator(&migration.Config{
		DatabaseURL: dsn,
		Service:     serviceName,
		SchemaName:  cfg.Postgres.PostgresSchema,
		Migrations:  pgstore.Migrations,
	})
	if err != nil {
		return fmt.Errorf("new migrator: %w", err)
	}
	defer m.Close()
	return m.Migrate()
}

// mappingRegistry is the process-local table of in-process mapping
// closures a manifest's data sources can name. Real deployments register
// their generated mapping functions here at startup; this reference build
// ships none, so every manifest's data sources are expected to be backed by
// names added to this table before go-live.
type mappingRegistry struct {
	byName map[string]coordinator.MappingFunc
}

func buildMappingRegistry() *mappingRegistry {
	return &mappingRegistry{byName: map[string]coordinator.MappingFunc{}}
}

func (m *mappingRegistry) resolve(name string) (coordinator.MappingFunc, error) {
	fn, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("no mapping registered for %q", name)
	}
	return fn, nil
}
