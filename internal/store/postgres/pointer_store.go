// Package postgres implements the Postgres-backed part of the store
// contract: subgraph existence bookkeeping, the chain node's head
// pointer, and each subgraph's persisted block pointer.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/quangdang46/subgraph-coordinator/internal/coordinator"
	sharedpostgres "github.com/quangdang46/subgraph-coordinator/shared/postgres"
)

// PointerStore is scoped to a single chain: the coordinator this repo
// drives indexes one chain per process, so the chain id is fixed at
// construction rather than threaded through every call.
type PointerStore struct {
	db      *sharedpostgres.Postgres
	chainID string
}

func NewPointerStore(db *sharedpostgres.Postgres, chainID string) *PointerStore {
	return &PointerStore{db: db, chainID: chainID}
}

// AddSubgraphIfMissing creates the existence row for id if absent. A
// unique-violation means another Accept raced this one to the same id,
// which is exactly the if-missing semantics, not a failure.
func (s *PointerStore) AddSubgraphIfMissing(ctx context.Context, id coordinator.SubgraphID) error {
	_, err := s.db.GetClient().ExecContext(ctx,
		`INSERT INTO subgraph_rows (subgraph_id) VALUES ($1)`,
		string(id),
	)
	if sharedpostgres.IsUniqueViolation(err, "subgraph_rows_pkey") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("add subgraph %s: %w", id, err)
	}
	return nil
}

// HeadBlockPointer returns the chain node's current tip as last recorded by
// the ingestor side (SetHeadBlockPointer), which lives outside the
// coordinator.Store contract.
func (s *PointerStore) HeadBlockPointer(ctx context.Context) (coordinator.BlockPointer, error) {
	var ptr coordinator.BlockPointer
	var hash string
	err := s.db.GetClient().QueryRowContext(ctx,
		`SELECT block_number, block_hash FROM chain_head_pointer WHERE chain_id = $1`,
		s.chainID,
	).Scan(&ptr.Number, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return coordinator.BlockPointer{}, coordinator.ErrNotFound
	}
	if err != nil {
		return coordinator.BlockPointer{}, fmt.Errorf("head block pointer: %w", err)
	}
	ptr.Hash = coordinator.BlockHash(hash)
	return ptr, nil
}

// SetHeadBlockPointer records a newly observed chain tip. It is called by
// whatever feeds the head-update watcher (a block-header subscription in a
// full deployment), not by the walker itself.
func (s *PointerStore) SetHeadBlockPointer(ctx context.Context, ptr coordinator.BlockPointer) error {
	_, err := s.db.GetClient().ExecContext(ctx,
		`INSERT INTO chain_head_pointer (chain_id, block_number, block_hash, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (chain_id) DO UPDATE SET
		     block_number = EXCLUDED.block_number,
		     block_hash = EXCLUDED.block_hash,
		     updated_at = NOW()`,
		s.chainID, ptr.Number, string(ptr.Hash),
	)
	if err != nil {
		return fmt.Errorf("set head block pointer: %w", err)
	}
	return nil
}

// BlockPointer returns id's persisted pointer, or ErrNotFound if id has
// never advanced past genesis.
func (s *PointerStore) BlockPointer(ctx context.Context, id coordinator.SubgraphID) (coordinator.BlockPointer, error) {
	var ptr coordinator.BlockPointer
	var hash string
	err := s.db.GetClient().QueryRowContext(ctx,
		`SELECT block_number, block_hash FROM subgraph_block_pointers WHERE subgraph_id = $1`,
		string(id),
	).Scan(&ptr.Number, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return coordinator.BlockPointer{}, coordinator.ErrNotFound
	}
	if err != nil {
		return coordinator.BlockPointer{}, fmt.Errorf("block pointer for %s: %w", id, err)
	}
	ptr.Hash = coordinator.BlockHash(hash)
	return ptr, nil
}

// SetBlockPointerWithNoChanges moves id's pointer from old to new with no
// entity writes. A zero-value old (the genesis-minus-one sentinel the
// walker uses for a subgraph that has never advanced) takes the insert
// path; every subsequent move is a compare-and-swap on the stored hash,
// whose zero-rows-affected outcome is ErrPointerMismatch.
func (s *PointerStore) SetBlockPointerWithNoChanges(ctx context.Context, id coordinator.SubgraphID, old, new coordinator.BlockPointer) error {
	if old.Hash == "" {
		res, err := s.db.GetClient().ExecContext(ctx,
			`INSERT INTO subgraph_block_pointers (subgraph_id, block_number, block_hash, updated_at)
			 VALUES ($1, $2, $3, NOW())
			 ON CONFLICT (subgraph_id) DO NOTHING`,
			string(id), new.Number, string(new.Hash),
		)
		if err != nil {
			return fmt.Errorf("set initial block pointer for %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected for initial pointer %s: %w", id, err)
		}
		if n == 0 {
			return coordinator.ErrPointerMismatch
		}
		return nil
	}

	res, err := s.db.GetClient().ExecContext(ctx,
		`UPDATE subgraph_block_pointers
		 SET block_number = $2, block_hash = $3, updated_at = NOW()
		 WHERE subgraph_id = $1 AND block_hash = $4`,
		string(id), new.Number, string(new.Hash), string(old.Hash),
	)
	if err != nil {
		return fmt.Errorf("set block pointer for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for pointer %s: %w", id, err)
	}
	if n != 1 {
		return coordinator.ErrPointerMismatch
	}
	return nil
}

// RevertPointer moves id's pointer back to a reverted block's parent,
// guarded the same way as SetBlockPointerWithNoChanges. Called by
// store.Combined.RevertBlock once the Mongo entity rollback has succeeded.
func (s *PointerStore) RevertPointer(ctx context.Context, id coordinator.SubgraphID, reverted, parent coordinator.BlockPointer) error {
	return s.SetBlockPointerWithNoChanges(ctx, id, reverted, parent)
}
