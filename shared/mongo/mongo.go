// Package mongo wraps the MongoDB connection the entity store runs on.
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// MongoConfig holds the entity store's connection settings. The URI must
// point at a replica set or mongos: the entity store stages each block's
// mutations in a session transaction, which standalone servers reject.
type MongoConfig struct {
	MongoURI      string `json:"mongo_uri"`
	MongoDatabase string `json:"mongo_database"`
}

// MongoDB bundles a client with the database the entity collections live in.
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
}

// NewMongo connects and selects the configured database. Connectivity is
// verified separately via HealthCheck so startup wiring controls the
// deadline.
func NewMongo(cfg MongoConfig) (*MongoDB, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	return &MongoDB{
		client:   client,
		database: client.Database(cfg.MongoDatabase),
	}, nil
}

// HealthCheck pings the primary.
func (m *MongoDB) HealthCheck(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// GetClient exposes the client for session-transaction use.
func (m *MongoDB) GetClient() *mongo.Client {
	return m.client
}

// GetDatabase exposes the selected database.
func (m *MongoDB) GetDatabase() *mongo.Database {
	return m.database
}

// Close disconnects the client.
func (m *MongoDB) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}
