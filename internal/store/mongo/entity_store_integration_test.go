//go:build integration

package mongo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/quangdang46/subgraph-coordinator/internal/coordinator"
	mongostore "github.com/quangdang46/subgraph-coordinator/internal/store/mongo"
	sharedmongo "github.com/quangdang46/subgraph-coordinator/shared/mongo"
	"github.com/quangdang46/subgraph-coordinator/shared/testutil"
)

func setupEntityStore(t *testing.T) (*mongostore.EntityStore, *sharedmongo.MongoDB) {
	t.Helper()
	ctx := context.Background()

	tm, err := testutil.SetupTestMongoDB(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tm.Cleanup(ctx) })

	db, err := sharedmongo.NewMongo(sharedmongo.MongoConfig{
		MongoURI:      tm.URI,
		MongoDatabase: "indexerd_test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(ctx) })

	store := mongostore.NewEntityStore(db)
	return store, db
}

func TestEntityStore_BeginTransaction_CommitPersistsVersionedDocuments(t *testing.T) {
	store, db := setupEntityStore(t)
	ctx := context.Background()
	id := coordinator.SubgraphID("sg-1")
	require.NoError(t, store.EnsureIndexes(ctx, id))

	blockRef := coordinator.BlockPointer{Number: 100, Hash: "0xaaa"}
	tx, err := store.BeginTransaction(ctx, id, blockRef)
	require.NoError(t, err)

	key := coordinator.EntityKey{Subgraph: id, EntityType: "Token", EntityID: "1"}
	require.NoError(t, tx.Set(ctx, key, map[string]any{"owner": "0xowner"}))
	require.NoError(t, tx.CommitWithoutPointerUpdate(ctx))

	coll := db.GetDatabase().Collection("entities_sg-1")
	count, err := coll.CountDocuments(ctx, bson.M{"entity_id": "1", "block_hash": "0xaaa"})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestEntityStore_BeginTransaction_RollbackLeavesNoDocuments(t *testing.T) {
	store, db := setupEntityStore(t)
	ctx := context.Background()
	id := coordinator.SubgraphID("sg-2")
	require.NoError(t, store.EnsureIndexes(ctx, id))

	blockRef := coordinator.BlockPointer{Number: 100, Hash: "0xbbb"}
	tx, err := store.BeginTransaction(ctx, id, blockRef)
	require.NoError(t, err)

	key := coordinator.EntityKey{Subgraph: id, EntityType: "Token", EntityID: "2"}
	require.NoError(t, tx.Set(ctx, key, map[string]any{"owner": "0xowner"}))
	require.NoError(t, tx.Rollback(ctx))

	coll := db.GetDatabase().Collection("entities_sg-2")
	count, err := coll.CountDocuments(ctx, bson.M{"entity_id": "2"})
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestEntityStore_RollbackBlock_DeletesVersionsTaggedWithThatBlock(t *testing.T) {
	store, db := setupEntityStore(t)
	ctx := context.Background()
	id := coordinator.SubgraphID("sg-3")
	require.NoError(t, store.EnsureIndexes(ctx, id))

	firstBlock := coordinator.BlockPointer{Number: 100, Hash: "0xaaa"}
	tx1, err := store.BeginTransaction(ctx, id, firstBlock)
	require.NoError(t, err)
	key := coordinator.EntityKey{Subgraph: id, EntityType: "Token", EntityID: "3"}
	require.NoError(t, tx1.Set(ctx, key, map[string]any{"owner": "0xfirst"}))
	require.NoError(t, tx1.CommitWithoutPointerUpdate(ctx))

	secondBlock := coordinator.BlockPointer{Number: 101, Hash: "0xbbb"}
	tx2, err := store.BeginTransaction(ctx, id, secondBlock)
	require.NoError(t, err)
	require.NoError(t, tx2.Set(ctx, key, map[string]any{"owner": "0xsecond"}))
	require.NoError(t, tx2.CommitWithoutPointerUpdate(ctx))

	require.NoError(t, store.RollbackBlock(ctx, id, coordinator.Block{Pointer: secondBlock, Parent: firstBlock}))

	coll := db.GetDatabase().Collection("entities_sg-3")
	count, err := coll.CountDocuments(ctx, bson.M{"entity_id": "3", "block_hash": "0xbbb"})
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	remaining, err := coll.CountDocuments(ctx, bson.M{"entity_id": "3", "block_hash": "0xaaa"})
	require.NoError(t, err)
	require.Equal(t, int64(1), remaining)
}
