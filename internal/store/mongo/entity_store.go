// Package mongo implements the MongoDB-backed part of the store contract:
// per-block-versioned entity documents, one collection per subgraph,
// written inside a single session-transaction per block so a half-applied
// block is never visible.
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/quangdang46/subgraph-coordinator/internal/coordinator"
	sharedmongo "github.com/quangdang46/subgraph-coordinator/shared/mongo"
)

// entityDocument is one version of one entity, tagged with the block that
// produced it so a revert can delete by block hash.
type entityDocument struct {
	EntityType  string `bson:"entity_type"`
	EntityID    string `bson:"entity_id"`
	BlockNumber uint64 `bson:"block_number"`
	BlockHash   string `bson:"block_hash"`
	Removed     bool   `bson:"removed"`
	Attributes  bson.M `bson:"attributes,omitempty"`
}

// EntityStore owns one collection per subgraph (entities_<subgraph>).
type EntityStore struct {
	db *sharedmongo.MongoDB
}

func NewEntityStore(db *sharedmongo.MongoDB) *EntityStore {
	return &EntityStore{db: db}
}

func collectionName(id coordinator.SubgraphID) string {
	return "entities_" + string(id)
}

func (s *EntityStore) collection(id coordinator.SubgraphID) *mongo.Collection {
	return s.db.GetDatabase().Collection(collectionName(id))
}

// EnsureIndexes creates the indexes the "highest version not removed" read
// pattern and revert_block's block_hash scan rely on. Safe to call
// repeatedly; store.Combined calls it on every AddSubgraphIfMissing,
// re-adds included.
func (s *EntityStore) EnsureIndexes(ctx context.Context, id coordinator.SubgraphID) error {
	coll := s.collection(id)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "entity_type", Value: 1},
				{Key: "entity_id", Value: 1},
				{Key: "block_number", Value: -1},
			},
			Options: options.Index().SetName("entity_version_lookup"),
		},
		{
			Keys:    bson.D{{Key: "block_hash", Value: 1}},
			Options: options.Index().SetName("entity_block_hash"),
		},
	})
	if err != nil {
		return fmt.Errorf("ensure indexes for %s: %w", collectionName(id), err)
	}
	return nil
}

// BeginTransaction opens a MongoDB session-transaction scoped to one
// (subgraph, block). Every Set/Remove through the returned Tx is staged in
// that transaction; nothing is visible to readers until Commit.
func (s *EntityStore) BeginTransaction(ctx context.Context, id coordinator.SubgraphID, blockRef coordinator.BlockPointer) (coordinator.Tx, error) {
	sess, err := s.db.GetClient().StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session for %s: %w", id, err)
	}
	if err := sess.StartTransaction(); err != nil {
		sess.EndSession(ctx)
		return nil, fmt.Errorf("start transaction for %s: %w", id, err)
	}
	return &entityTx{
		sess:     sess,
		coll:     s.collection(id),
		blockRef: blockRef,
	}, nil
}

// RollbackBlock deletes every document version written for the given
// block, restoring the previous version as the logically visible one. It
// is the Mongo half of revert_block; store.Combined pairs it with the
// Postgres pointer move.
func (s *EntityStore) RollbackBlock(ctx context.Context, id coordinator.SubgraphID, block coordinator.Block) error {
	_, err := s.collection(id).DeleteMany(ctx, bson.M{"block_hash": string(block.Pointer.Hash)})
	if err != nil {
		return fmt.Errorf("rollback block %s for %s: %w", block.Pointer, id, err)
	}
	return nil
}

// entityTx accumulates writes for one (subgraph, block) inside a single
// Mongo session-transaction.
type entityTx struct {
	sess     *mongo.Session
	coll     *mongo.Collection
	blockRef coordinator.BlockPointer
}

func (t *entityTx) sessionCtx(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, t.sess)
}

func (t *entityTx) Set(ctx context.Context, key coordinator.EntityKey, attributes map[string]any) error {
	doc := entityDocument{
		EntityType:  key.EntityType,
		EntityID:    key.EntityID,
		BlockNumber: t.blockRef.Number,
		BlockHash:   string(t.blockRef.Hash),
		Removed:     false,
		Attributes:  attributes,
	}
	if _, err := t.coll.InsertOne(t.sessionCtx(ctx), doc); err != nil {
		return fmt.Errorf("set entity %s/%s: %w", key.EntityType, key.EntityID, err)
	}
	return nil
}

func (t *entityTx) Remove(ctx context.Context, key coordinator.EntityKey) error {
	doc := entityDocument{
		EntityType:  key.EntityType,
		EntityID:    key.EntityID,
		BlockNumber: t.blockRef.Number,
		BlockHash:   string(t.blockRef.Hash),
		Removed:     true,
	}
	if _, err := t.coll.InsertOne(t.sessionCtx(ctx), doc); err != nil {
		return fmt.Errorf("remove entity %s/%s: %w", key.EntityType, key.EntityID, err)
	}
	return nil
}

func (t *entityTx) CommitWithoutPointerUpdate(ctx context.Context) error {
	defer t.sess.EndSession(ctx)
	if err := t.sess.CommitTransaction(ctx); err != nil {
		return fmt.Errorf("commit entity transaction for block %s: %w", t.blockRef, err)
	}
	return nil
}

func (t *entityTx) Rollback(ctx context.Context) error {
	defer t.sess.EndSession(ctx)
	if err := t.sess.AbortTransaction(ctx); err != nil {
		return fmt.Errorf("abort entity transaction for block %s: %w", t.blockRef, err)
	}
	return nil
}
