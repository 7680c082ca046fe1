package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quangdang46/subgraph-coordinator/shared/logging"
	"github.com/quangdang46/subgraph-coordinator/shared/resilience"
	"github.com/quangdang46/subgraph-coordinator/shared/timeout"
)

// step is the outcome of deciding, from the current pointer pair, what the
// walker should do next — the Step::ToParent / Step::ToDescendants choice
// the original algorithm makes explicit.
type step struct {
	toParent    bool
	descendants []BlockPointer // populated only when !toParent
}

// Walker is the reconciliation walker, the core of the coordinator: it
// drives one subgraph's pointer toward the chain head, choosing between
// safe-mode and near-head strategies by depth, and applying reverts or
// forward steps so the persisted pointer always names a block the node
// still believes in.
type Walker struct {
	subgraph   SubgraphID
	hosts      []Host
	store      Store
	chain      ChainAdapter
	publisher  MutationPublisher
	reorgDepth uint64
	metrics    RegistryMetrics
	log        *logging.Logger

	breaker    *resilience.CircuitBreaker
	retryCfg   *resilience.RetryConfig
	timeoutCfg *timeout.TimeoutConfig

	filter     EventFilter
	filterOnce bool
}

// NewWalker builds a walker for one subgraph. hosts is fixed for the
// lifetime of this walker instance; a re-add supersedes it wholesale via
// the registry rather than mutating it in place.
func NewWalker(subgraph SubgraphID, hosts []Host, store Store, chain ChainAdapter, publisher MutationPublisher, reorgDepth uint64, metrics RegistryMetrics, log *logging.Logger) *Walker {
	return &Walker{
		subgraph:   subgraph,
		hosts:      hosts,
		store:      store,
		chain:      chain,
		publisher:  publisher,
		reorgDepth: reorgDepth,
		metrics:    metrics,
		log:        log,
		breaker: resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
			Name:             "walker-" + string(subgraph),
			MaxFailures:      5,
			ResetTimeout:     60 * time.Second,
			HalfOpenMaxCalls: 3,
		}),
		retryCfg:   resilience.DefaultRetryConfig(),
		timeoutCfg: timeout.DefaultTimeoutConfig(),
	}
}

// unionFilter computes the union of every non-quarantined host's filter,
// memoizing across outer-loop iterations (a host's static filter never
// changes within one walker's lifetime). A host whose EventFilter() call
// fails is quarantined: excluded from both the union and from delivery,
// per the design notes' resolution of the host-filter-failure question.
func (w *Walker) unionFilter() EventFilter {
	if w.filterOnce {
		return w.filter
	}
	union := NewEventFilter()
	for _, h := range w.hosts {
		f, err := h.EventFilter()
		if err != nil {
			w.log.WithError(err).WithField("host", h.Name()).
				Warn("host filter unavailable, quarantining for this subgraph")
			continue
		}
		union = union.Union(f)
	}
	w.filter = union
	w.filterOnce = true
	return union
}

// activeHosts returns the hosts that contributed to the current union
// filter — the ones eligible to receive event deliveries this pass.
func (w *Walker) activeHosts() []Host {
	active := make([]Host, 0, len(w.hosts))
	for _, h := range w.hosts {
		if _, err := h.EventFilter(); err == nil {
			active = append(active, h)
		}
	}
	return active
}

// Run drives the outer reconciliation loop to completion (subgraph caught
// up with head) or until cancel fires. At most one Run is ever in flight
// per subgraph, enforced by the watcher calling it synchronously.
func (w *Walker) Run(ctx context.Context, cancel *CancelHandle) error {
	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.ReconcileDuration(w.subgraph, time.Since(start).Seconds())
		}
	}()

	w.unionFilter()

	for {
		if cancel.Cancelled() {
			if w.metrics != nil {
				w.metrics.WalkerCancelled(w.subgraph)
			}
			return nil
		}
		select {
		case <-cancel.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		head, err := w.headPointer(ctx)
		if err != nil {
			return fmt.Errorf("subgraph %s: %w", w.subgraph, err)
		}
		sub, err := w.subgraphPointer(ctx)
		if err != nil {
			return fmt.Errorf("subgraph %s: %w", w.subgraph, err)
		}

		// The genesis-minus-one sentinel (empty hash) is never caught up:
		// even a head still at genesis leaves block zero to index.
		if sub.Hash != "" && sub.Number >= head.Number {
			return nil // caught up
		}
		if w.metrics != nil {
			w.metrics.PointerLag(w.subgraph, int64(head.Number-sub.Number))
		}

		st, err := w.decideStep(ctx, head, sub)
		if err != nil {
			return fmt.Errorf("subgraph %s: deciding step: %w", w.subgraph, err)
		}

		if st.toParent {
			if err := w.applyToParent(ctx, sub); err != nil {
				return fmt.Errorf("subgraph %s: applying revert: %w", w.subgraph, err)
			}
			if w.metrics != nil {
				w.metrics.ReorgDetected(w.subgraph)
			}
			continue
		}

		if len(st.descendants) == 0 {
			continue // pointer fast-forward already applied in decideStep, or the cache rotated and the head is re-read
		}
		if err := w.applyToDescendants(ctx, cancel, sub, st.descendants); err != nil {
			return fmt.Errorf("subgraph %s: applying descendants: %w", w.subgraph, err)
		}
	}
}

// decideStep picks safe mode when the subgraph is more than the reorg
// threshold behind head, near-head mode otherwise (a depth of exactly D
// counts as near-head). Safe mode may itself perform a pure pointer
// fast-forward and return an empty-descendants ToDescendants step when no
// events exist in the skippable range — the caller treats that as a no-op.
func (w *Walker) decideStep(ctx context.Context, head, sub BlockPointer) (step, error) {
	depth := head.Number - sub.Number
	if depth > w.reorgDepth {
		return w.decideSafeMode(ctx, head, sub)
	}
	return w.decideNearHead(ctx, head, sub)
}

func (w *Walker) decideSafeMode(ctx context.Context, head, sub BlockPointer) (step, error) {
	// A never-advanced subgraph carries the genesis-minus-one sentinel:
	// there is no block to verify or revert, only a forward walk starting
	// at genesis itself.
	fresh := sub.Hash == ""
	if !fresh {
		onMain, err := w.isOnMainChain(ctx, sub)
		if err != nil {
			return step{}, err
		}
		if !onMain {
			return step{toParent: true}, nil
		}
	}

	from := sub.Number + 1
	if fresh {
		from = 0
	}
	to := head.Number - w.reorgDepth

	// An empty union filter matches nothing, so the whole range is known
	// uninteresting without asking the node.
	var matches []BlockPointer
	if !w.unionFilter().Empty() {
		var err error
		matches, err = w.findFirstBlocksWithEvents(ctx, from, to)
		if err != nil {
			return step{}, err
		}
	}
	if len(matches) == 0 {
		newPtr, err := w.blockByNumber(ctx, to)
		if err != nil {
			return step{}, err
		}
		if err := w.setPointerNoChanges(ctx, sub, newPtr.Pointer); err != nil {
			return step{}, err
		}
		return step{descendants: nil}, nil
	}
	return step{descendants: matches}, nil
}

func (w *Walker) decideNearHead(ctx context.Context, head, sub BlockPointer) (step, error) {
	offset := head.Number - sub.Number - 1
	if sub.Hash == "" {
		// Genesis-minus-one sentinel: the first block to index is genesis
		// itself, the deepest ancestor reachable from head.
		offset = head.Number
	}
	candidate, err := w.ancestorBlock(ctx, head, offset)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Cache rotated past what we need; restart the outer loop
			// with a freshly read head on the next iteration.
			return step{descendants: nil}, nil
		}
		return step{}, err
	}
	if sub.Hash == "" {
		// candidate is genesis; there is no parent hash to compare, just
		// start forward from it.
		return step{descendants: []BlockPointer{candidate.Pointer}}, nil
	}
	if candidate.Parent.Equal(sub) {
		return step{descendants: []BlockPointer{candidate.Pointer}}, nil
	}
	return step{toParent: true}, nil
}

// applyToParent fetches the block at sub and reverts it, moving the
// pointer to its parent.
func (w *Walker) applyToParent(ctx context.Context, sub BlockPointer) error {
	block, err := w.blockByHash(ctx, sub.Hash)
	if err != nil {
		return err
	}
	return w.revertBlock(ctx, block)
}

// applyToDescendants advances through each descendant block: skip any
// gap with a pure pointer move, deliver its events to every active host in
// manifest order inside one per-block transaction, then commit and advance.
func (w *Walker) applyToDescendants(ctx context.Context, cancel *CancelHandle, sub BlockPointer, descendants []BlockPointer) error {
	cursor := sub
	hosts := w.activeHosts()
	filter := w.unionFilter()

	for _, d := range descendants {
		if cancel.Cancelled() {
			return nil
		}

		block, err := w.blockByHash(ctx, d.Hash)
		if err != nil {
			return err
		}

		if !cursor.Equal(block.Parent) {
			if err := w.setPointerNoChanges(ctx, cursor, block.Parent); err != nil {
				return err
			}
			cursor = block.Parent
		}

		events, err := w.eventsInBlock(ctx, block.Pointer, filter)
		if err != nil {
			return err
		}

		sink, err := OpenBlockSink(ctx, w.store, w.subgraph, block.Pointer, w.publisher, w.log)
		if err != nil {
			return err
		}

		cancelled, err := w.deliverBlock(ctx, cancel, sink, hosts, events)
		if err != nil {
			sink.Abort(ctx)
			return err
		}
		if cancelled {
			// A partially delivered block must never become visible: roll
			// it back and leave the pointer where it was, so the next run
			// replays the block from its start.
			sink.Abort(ctx)
			return nil
		}

		if err := sink.Commit(ctx); err != nil {
			return err
		}
		if err := w.setPointerNoChanges(ctx, cursor, block.Pointer); err != nil {
			return err
		}
		cursor = block.Pointer

		if w.metrics != nil {
			w.metrics.BlockProcessed(w.subgraph)
		}
	}
	return nil
}

// deliverBlock sends every event to every active host, in chain order and
// manifest order respectively — the deterministic ordering the design notes
// mandate. A host send/confirm failure is logged and skipped; it never
// aborts delivery to sibling hosts or to later events in the block. A
// cancellation observed mid-block is reported distinctly from successful
// completion so the caller knows the block is only partially delivered and
// must not be committed.
func (w *Walker) deliverBlock(ctx context.Context, cancel *CancelHandle, sink *BlockSink, hosts []Host, events []ChainEvent) (cancelled bool, err error) {
	for _, event := range events {
		for _, h := range hosts {
			if cancel.Cancelled() {
				return true, nil
			}
			if err := h.Send(ctx, event); err != nil {
				w.log.WithContext(ctx).WithError(err).WithField("host", h.Name()).
					Warn("host failed to process event, skipping")
				continue
			}
			if err := sink.Drain(ctx, h); err != nil {
				return false, fmt.Errorf("draining host %s mutations: %w", h.Name(), err)
			}
		}
	}
	return false, nil
}

// --- resilient wrappers around Store/ChainAdapter calls ---
//
// Every call below composes a circuit breaker (fails fast once a
// dependency is wedged for the rest of this reconciliation pass), a
// resource-appropriate timeout, and retry-with-backoff for transient
// failures, per the error-handling design.

func (w *Walker) headPointer(ctx context.Context) (BlockPointer, error) {
	var result BlockPointer
	err := w.withResilience(ctx, w.timeoutCfg.Database, func(c context.Context) error {
		p, err := w.store.HeadBlockPointer(c)
		result = p
		return err
	})
	return result, err
}

// subgraphPointer reads the persisted pointer; a subgraph that has never
// advanced maps to the zero BlockPointer, the genesis-minus-one sentinel
// both decide functions special-case on its empty hash.
func (w *Walker) subgraphPointer(ctx context.Context) (BlockPointer, error) {
	var result BlockPointer
	err := w.withResilience(ctx, w.timeoutCfg.Database, func(c context.Context) error {
		p, err := w.store.BlockPointer(c, w.subgraph)
		if errors.Is(err, ErrNotFound) {
			result = BlockPointer{}
			return nil
		}
		result = p
		return err
	})
	return result, err
}

func (w *Walker) isOnMainChain(ctx context.Context, ptr BlockPointer) (bool, error) {
	var result bool
	err := w.withResilience(ctx, w.timeoutCfg.Blockchain, func(c context.Context) error {
		v, err := w.chain.IsOnMainChain(c, ptr)
		result = v
		return err
	})
	return result, err
}

func (w *Walker) findFirstBlocksWithEvents(ctx context.Context, from, to uint64) ([]BlockPointer, error) {
	var result []BlockPointer
	err := w.withResilience(ctx, w.timeoutCfg.Blockchain, func(c context.Context) error {
		v, err := w.chain.FindFirstBlocksWithEvents(c, from, to, w.unionFilter())
		result = v
		return err
	})
	return result, err
}

func (w *Walker) blockByNumber(ctx context.Context, number uint64) (Block, error) {
	var result Block
	err := w.withResilience(ctx, w.timeoutCfg.Blockchain, func(c context.Context) error {
		v, err := w.chain.BlockByNumber(c, number)
		result = v
		return err
	})
	return result, err
}

// blockByHash tries the local block cache first (near-head blocks almost
// always live there already) and falls back to the chain adapter.
func (w *Walker) blockByHash(ctx context.Context, hash BlockHash) (Block, error) {
	var cached Block
	cacheErr := w.withResilience(ctx, w.timeoutCfg.Redis, func(c context.Context) error {
		v, err := w.store.BlockByHash(c, hash)
		cached = v
		return err
	})
	if cacheErr == nil {
		return cached, nil
	}

	var result Block
	err := w.withResilience(ctx, w.timeoutCfg.Blockchain, func(c context.Context) error {
		v, err := w.chain.BlockByHash(c, hash)
		result = v
		return err
	})
	return result, err
}

func (w *Walker) ancestorBlock(ctx context.Context, from BlockPointer, offset uint64) (Block, error) {
	var result Block
	err := w.withResilience(ctx, w.timeoutCfg.Redis, func(c context.Context) error {
		v, err := w.store.AncestorBlock(c, from, offset)
		result = v
		return err
	})
	return result, err
}

func (w *Walker) eventsInBlock(ctx context.Context, block BlockPointer, filter EventFilter) ([]ChainEvent, error) {
	var result []ChainEvent
	err := w.withResilience(ctx, w.timeoutCfg.Blockchain, func(c context.Context) error {
		v, err := w.chain.GetEventsInBlock(c, block, filter)
		result = v
		return err
	})
	return result, err
}

func (w *Walker) setPointerNoChanges(ctx context.Context, old, new BlockPointer) error {
	return w.withResilience(ctx, w.timeoutCfg.Database, func(c context.Context) error {
		return w.store.SetBlockPointerWithNoChanges(c, w.subgraph, old, new)
	})
}

func (w *Walker) revertBlock(ctx context.Context, block Block) error {
	return w.withResilience(ctx, w.timeoutCfg.Database, func(c context.Context) error {
		return w.store.RevertBlock(c, w.subgraph, block)
	})
}

// withResilience wraps fn with a per-call timeout, circuit breaker, and
// retry. ErrPointerMismatch is never retried: it means our precondition
// was violated and the walker should fail this pass immediately.
// ErrNotFound is never retried either: it is a normal, immediate answer
// (no head yet, cache miss, cache rotated past what we need), not a
// transient fault.
func (w *Walker) withResilience(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	cfg := *w.retryCfg
	cfg.RetryableErrors = func(err error) bool {
		return !errors.Is(err, ErrPointerMismatch) && !errors.Is(err, ErrNotFound)
	}

	return resilience.RetryWithConfig(ctx, &cfg, func(c context.Context) error {
		return w.breaker.Execute(c, func(bc context.Context) error {
			tctx, cancel := timeout.WithTimeout(bc, d)
			defer cancel()
			return fn(tctx)
		})
	})
}
