package coordinator

import (
	"context"
	"fmt"

	"github.com/quangdang46/subgraph-coordinator/shared/logging"
)

// MutationPublisher optionally fans committed mutations out to downstream
// consumers (internal/publisher's RabbitMQ implementation). A publish
// failure is logged and never blocks or fails the commit it followed.
type MutationPublisher interface {
	Publish(ctx context.Context, mutation EntityMutation) error
}

// BlockSink is the event stream sink, scoped to one subgraph's
// reconciliation of a single block. The walker opens one BlockSink per
// block it applies, drains every host's mutation stream into it as events
// are confirmed, and commits once — the single-transaction-per-block
// behavior the determinism resolution in the design notes calls for,
// rather than the naive per-mutation commit the sink would otherwise do.
type BlockSink struct {
	subgraph  SubgraphID
	blockRef  BlockPointer
	tx        Tx
	publisher MutationPublisher
	log       *logging.Logger
	pending   []EntityMutation
}

// OpenBlockSink begins a store transaction for (subgraph, blockRef).
func OpenBlockSink(ctx context.Context, store Store, subgraph SubgraphID, blockRef BlockPointer, publisher MutationPublisher, log *logging.Logger) (*BlockSink, error) {
	tx, err := store.BeginTransaction(ctx, subgraph, blockRef)
	if err != nil {
		return nil, fmt.Errorf("open block sink: %w", err)
	}
	return &BlockSink{
		subgraph:  subgraph,
		blockRef:  blockRef,
		tx:        tx,
		publisher: publisher,
		log:       log,
	}, nil
}

// Drain reads every mutation a host has queued up without blocking and
// applies it to the open transaction. Call once a host has confirmed an
// event, by which point process() has already pushed its mutations.
func (s *BlockSink) Drain(ctx context.Context, host Host) error {
	for {
		select {
		case m, ok := <-host.Mutations():
			if !ok {
				return nil
			}
			if err := s.apply(ctx, m); err != nil {
				return err
			}
			s.pending = append(s.pending, m)
		default:
			return nil
		}
	}
}

func (s *BlockSink) apply(ctx context.Context, m EntityMutation) error {
	switch m.Kind {
	case MutationSet:
		return s.tx.Set(ctx, m.Key, m.Attributes)
	case MutationRemove:
		return s.tx.Remove(ctx, m.Key)
	default:
		return fmt.Errorf("block sink: unknown mutation kind %d", m.Kind)
	}
}

// Commit finalizes every write accumulated for this block in one atomic
// transaction, then best-effort fans the mutations out downstream.
func (s *BlockSink) Commit(ctx context.Context) error {
	if err := s.tx.CommitWithoutPointerUpdate(ctx); err != nil {
		return fmt.Errorf("commit block %s for subgraph %s: %w", s.blockRef, s.subgraph, err)
	}
	if s.publisher != nil {
		for _, m := range s.pending {
			if err := s.publisher.Publish(ctx, m); err != nil {
				s.log.WithError(err).WithField("subgraph_id", string(s.subgraph)).
					Warn("mutation fan-out publish failed, continuing")
			}
		}
	}
	return nil
}

// Abort rolls back the open transaction, used when the walker is cancelled
// or a host fails mid-block.
func (s *BlockSink) Abort(ctx context.Context) {
	_ = s.tx.Rollback(ctx)
}
