// Package store composes the Postgres, MongoDB, and Redis backends behind
// the single coordinator.Store interface the coordinator depends on.
package store

import (
	"context"
	"fmt"

	"github.com/quangdang46/subgraph-coordinator/internal/coordinator"
	mongostore "github.com/quangdang46/subgraph-coordinator/internal/store/mongo"
	pgstore "github.com/quangdang46/subgraph-coordinator/internal/store/postgres"
	redisstore "github.com/quangdang46/subgraph-coordinator/internal/store/redis"
)

// Combined implements coordinator.Store by routing each call to the
// backend that owns it: pointer bookkeeping to Postgres, entity versions
// to MongoDB, and the recent-block cache to Redis.
type Combined struct {
	Pointers *pgstore.PointerStore
	Entities *mongostore.EntityStore
	Blocks   *redisstore.BlockCache
}

// New builds a Combined store from its three already-constructed backends.
func New(pointers *pgstore.PointerStore, entities *mongostore.EntityStore, blocks *redisstore.BlockCache) *Combined {
	return &Combined{Pointers: pointers, Entities: entities, Blocks: blocks}
}

var _ coordinator.Store = (*Combined)(nil)

func (c *Combined) AddSubgraphIfMissing(ctx context.Context, id coordinator.SubgraphID) error {
	if err := c.Pointers.AddSubgraphIfMissing(ctx, id); err != nil {
		return err
	}
	return c.Entities.EnsureIndexes(ctx, id)
}

func (c *Combined) HeadBlockPointer(ctx context.Context) (coordinator.BlockPointer, error) {
	return c.Pointers.HeadBlockPointer(ctx)
}

func (c *Combined) BlockPointer(ctx context.Context, id coordinator.SubgraphID) (coordinator.BlockPointer, error) {
	return c.Pointers.BlockPointer(ctx, id)
}

func (c *Combined) HeadBlockUpdates(ctx context.Context) (<-chan struct{}, error) {
	return c.Blocks.HeadBlockUpdates(ctx)
}

func (c *Combined) AncestorBlock(ctx context.Context, from coordinator.BlockPointer, offset uint64) (coordinator.Block, error) {
	return c.Blocks.AncestorBlock(ctx, from, offset)
}

func (c *Combined) BlockByHash(ctx context.Context, hash coordinator.BlockHash) (coordinator.Block, error) {
	return c.Blocks.BlockByHash(ctx, hash)
}

func (c *Combined) BeginTransaction(ctx context.Context, id coordinator.SubgraphID, blockRef coordinator.BlockPointer) (coordinator.Tx, error) {
	return c.Entities.BeginTransaction(ctx, id, blockRef)
}

func (c *Combined) SetBlockPointerWithNoChanges(ctx context.Context, id coordinator.SubgraphID, old, new coordinator.BlockPointer) error {
	return c.Pointers.SetBlockPointerWithNoChanges(ctx, id, old, new)
}

// RevertBlock composes a MongoDB entity rollback with a Postgres pointer
// move inside one call. If the Mongo rollback succeeds but the pointer
// move's guard fails (a concurrent writer raced it), the precondition
// violation is returned and the caller treats the whole reconciliation
// pass as fatal rather than leaving entities and pointer inconsistent.
func (c *Combined) RevertBlock(ctx context.Context, id coordinator.SubgraphID, block coordinator.Block) error {
	if err := c.Entities.RollbackBlock(ctx, id, block); err != nil {
		return fmt.Errorf("revert block %s entities for %s: %w", block.Pointer, id, err)
	}
	if err := c.Pointers.RevertPointer(ctx, id, block.Pointer, block.Parent); err != nil {
		return fmt.Errorf("revert block %s pointer for %s: %w", block.Pointer, id, err)
	}
	return nil
}
