//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/quangdang46/subgraph-coordinator/internal/coordinator"
	pgstore "github.com/quangdang46/subgraph-coordinator/internal/store/postgres"
	"github.com/quangdang46/subgraph-coordinator/shared/migration"
	sharedpostgres "github.com/quangdang46/subgraph-coordinator/shared/postgres"
	"github.com/quangdang46/subgraph-coordinator/shared/testutil"
)

const testSchema = "indexerd"

// setupStore spins up an ephemeral Postgres container, runs the real
// embedded migrations against it, and returns a PointerStore whose
// connection's search_path is pinned to the migrated schema, matching how
// cmd/indexerd wires PostgresSchema in production.
func setupStore(t *testing.T) *pgstore.PointerStore {
	t.Helper()
	ctx := context.Background()

	td, err := testutil.SetupTestPostgres(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = td.Cleanup(ctx) })

	m, err := migration.NewMigrator(&migration.Config{
		DatabaseURL: td.DSN,
		Service:     "pointer_store_test",
		SchemaName:  testSchema,
		Migrations:  pgstore.Migrations,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Migrate())

	scopedDSN := td.DSN + " options='-c search_path=" + testSchema + "'"
	rawDB, err := sql.Open("postgres", scopedDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rawDB.Close() })

	db := sharedpostgres.NewPostgresWithDB(rawDB)
	return pgstore.NewPointerStore(db, "test-chain")
}

func TestPointerStore_BlockPointer_NotFoundBeforeAdd(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.BlockPointer(ctx, "sg-1")
	require.ErrorIs(t, err, coordinator.ErrNotFound)
}

func TestPointerStore_SetBlockPointerWithNoChanges_InitialInsertThenGuardedAdvance(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	id := coordinator.SubgraphID("sg-1")

	require.NoError(t, store.AddSubgraphIfMissing(ctx, id))

	genesisSentinel := coordinator.BlockPointer{}
	first := coordinator.BlockPointer{Number: 100, Hash: "0xaaa"}
	require.NoError(t, store.SetBlockPointerWithNoChanges(ctx, id, genesisSentinel, first))

	got, err := store.BlockPointer(ctx, id)
	require.NoError(t, err)
	require.True(t, got.Equal(first))

	second := coordinator.BlockPointer{Number: 101, Hash: "0xbbb"}
	require.NoError(t, store.SetBlockPointerWithNoChanges(ctx, id, first, second))

	got, err = store.BlockPointer(ctx, id)
	require.NoError(t, err)
	require.True(t, got.Equal(second))
}

func TestPointerStore_SetBlockPointerWithNoChanges_StaleOldHashIsRejected(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	id := coordinator.SubgraphID("sg-1")

	require.NoError(t, store.AddSubgraphIfMissing(ctx, id))

	first := coordinator.BlockPointer{Number: 100, Hash: "0xaaa"}
	require.NoError(t, store.SetBlockPointerWithNoChanges(ctx, id, coordinator.BlockPointer{}, first))

	stale := coordinator.BlockPointer{Number: 99, Hash: "0xstale"}
	next := coordinator.BlockPointer{Number: 101, Hash: "0xccc"}
	err := store.SetBlockPointerWithNoChanges(ctx, id, stale, next)
	require.ErrorIs(t, err, coordinator.ErrPointerMismatch)
}

func TestPointerStore_HeadBlockPointer_RoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.HeadBlockPointer(ctx)
	require.ErrorIs(t, err, coordinator.ErrNotFound)

	head := coordinator.BlockPointer{Number: 1000, Hash: "0xhead"}
	require.NoError(t, store.SetHeadBlockPointer(ctx, head))

	got, err := store.HeadBlockPointer(ctx)
	require.NoError(t, err)
	require.True(t, got.Equal(head))
}
