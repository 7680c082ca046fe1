package coordinator

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store lookups that find nothing, distinct from
// a transport/storage failure.
var ErrNotFound = errors.New("coordinator: not found")

// ErrPointerMismatch is returned by SetBlockPointerWithNoChanges and
// RevertBlock when the stored pointer no longer matches the caller's
// expectation — a concurrent writer raced this one, or the precondition
// the walker relied on was violated. It is always treated as fatal to the
// current reconciliation pass.
var ErrPointerMismatch = errors.New("coordinator: stored pointer does not match expected value")

// Tx accumulates entity mutations for a single (subgraph, block) pair.
// All writes made through one Tx commit atomically, and independently of
// the subgraph's pointer — the walker advances the pointer itself once
// every host has confirmed delivery for that block.
type Tx interface {
	Set(ctx context.Context, key EntityKey, attributes map[string]any) error
	Remove(ctx context.Context, key EntityKey) error
	CommitWithoutPointerUpdate(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the full persistence contract the coordinator depends on. A
// concrete implementation is free to split it across backends (internal/store
// layers Postgres, MongoDB, and Redis behind exactly this interface).
type Store interface {
	// AddSubgraphIfMissing creates the bookkeeping row for id if absent.
	AddSubgraphIfMissing(ctx context.Context, id SubgraphID) error

	// HeadBlockPointer returns the chain node's current tip, or
	// ErrNotFound if the ingestor has not observed one yet.
	HeadBlockPointer(ctx context.Context) (BlockPointer, error)

	// BlockPointer returns the subgraph's persisted pointer, or
	// ErrNotFound if the subgraph has never advanced past genesis.
	BlockPointer(ctx context.Context, id SubgraphID) (BlockPointer, error)

	// HeadBlockUpdates returns a channel of opaque tokens, one per head
	// change; the value carries no data, callers re-read HeadBlockPointer.
	HeadBlockUpdates(ctx context.Context) (<-chan struct{}, error)

	// AncestorBlock returns the block `offset` parents above `from`, or
	// ErrNotFound if the local cache no longer retains it.
	AncestorBlock(ctx context.Context, from BlockPointer, offset uint64) (Block, error)

	// BlockByHash returns a fetched block's body from the local cache,
	// falling through to the chain adapter is the caller's job, not the
	// store's — the store only ever reports what it has cached.
	BlockByHash(ctx context.Context, hash BlockHash) (Block, error)

	// BeginTransaction opens a Tx scoped to one subgraph and block.
	BeginTransaction(ctx context.Context, id SubgraphID, blockRef BlockPointer) (Tx, error)

	// SetBlockPointerWithNoChanges moves the subgraph pointer from old to
	// new with no entity writes. Fails with ErrPointerMismatch if the
	// stored pointer is not old at the time of the write.
	SetBlockPointerWithNoChanges(ctx context.Context, id SubgraphID, old, new BlockPointer) error

	// RevertBlock atomically rolls back every entity mutation tagged with
	// block's pointer and moves the subgraph pointer to block's parent.
	RevertBlock(ctx context.Context, id SubgraphID, block Block) error
}

// ChainAdapter is the read-only contract the walker uses to ask the chain
// node about blocks it does not already hold cached.
type ChainAdapter interface {
	// IsOnMainChain reports whether ptr is still the block the chain node
	// considers canonical at that height. Safe to call only when ptr is
	// more than the reorg threshold behind the current head.
	IsOnMainChain(ctx context.Context, ptr BlockPointer) (bool, error)

	// FindFirstBlocksWithEvents returns, in ascending order, the pointers
	// of every block in [from, to] whose logs match filter. An empty
	// result means no matching events exist in the range.
	FindFirstBlocksWithEvents(ctx context.Context, from, to uint64, filter EventFilter) ([]BlockPointer, error)

	// BlockByNumber resolves a block by height. Safe only at a depth
	// greater than the reorg threshold below the current head.
	BlockByNumber(ctx context.Context, number uint64) (Block, error)

	// BlockByHash resolves a block regardless of depth.
	BlockByHash(ctx context.Context, hash BlockHash) (Block, error)

	// GetEventsInBlock returns block's matching logs in chain order.
	GetEventsInBlock(ctx context.Context, block BlockPointer, filter EventFilter) ([]ChainEvent, error)
}
