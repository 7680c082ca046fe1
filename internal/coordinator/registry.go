package coordinator

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/quangdang46/subgraph-coordinator/shared/logging"
	"github.com/quangdang46/subgraph-coordinator/shared/recovery"
)

// subgraphEntry bundles a subgraph's live hosts with the cancel handle for
// its watcher/walker pair, the two things the registry must keep in lock
// step so removal never leaves one half running without the other.
type subgraphEntry struct {
	hosts  []Host
	cancel *CancelHandle
}

// Registry is the subgraph registry: it owns the set of active
// subgraphs, builds their hosts, starts their watchers, and tears
// everything down cleanly on removal.
type Registry struct {
	mu      sync.Mutex
	entries map[SubgraphID]*subgraphEntry

	store      Store
	chain      ChainAdapter
	publisher  MutationPublisher
	reorgDepth uint64
	log        *logging.Logger
	metrics    RegistryMetrics
}

// RegistryMetrics is the subset of the process's Prometheus series the
// registry and walker update directly; kept as an interface so tests can
// use a no-op.
type RegistryMetrics interface {
	SubgraphStarted(id SubgraphID)
	SubgraphStopped(id SubgraphID)
	ReorgDetected(id SubgraphID)
	BlockProcessed(id SubgraphID)
	ReconcileDuration(id SubgraphID, seconds float64)
	PointerLag(id SubgraphID, blocks int64)
	WalkerCancelled(id SubgraphID)
}

// NewRegistry constructs a registry. reorgDepth is the block depth beyond
// which a block is assumed permanent, separating safe-mode from near-head
// reconciliation.
func NewRegistry(store Store, chain ChainAdapter, publisher MutationPublisher, reorgDepth uint64, metrics RegistryMetrics, log *logging.Logger) *Registry {
	return &Registry{
		entries:    make(map[SubgraphID]*subgraphEntry),
		store:      store,
		chain:      chain,
		publisher:  publisher,
		reorgDepth: reorgDepth,
		log:        log,
		metrics:    metrics,
	}
}

// Accept applies one provider event, synchronously with respect to the
// registry's membership maps (short critical section only — starting the
// watcher goroutine happens outside the lock).
func (r *Registry) Accept(ctx context.Context, ev ProviderEvent) error {
	switch ev.Kind {
	case ProviderSubgraphAdded:
		return r.add(ctx, ev.Manifest)
	case ProviderSubgraphRemoved:
		return r.remove(ctx, ev.ID)
	default:
		return nil
	}
}

func (r *Registry) add(ctx context.Context, manifest SubgraphManifest) error {
	if err := r.store.AddSubgraphIfMissing(ctx, manifest.ID); err != nil {
		return err
	}

	hosts := make([]Host, 0, len(manifest.DataSources))
	for _, ds := range manifest.DataSources {
		hosts = append(hosts, NewRuntimeHost(ds, r.log.WithSubgraph(string(manifest.ID))))
	}

	cancel := NewCancelHandle()

	r.mu.Lock()
	if old, exists := r.entries[manifest.ID]; exists {
		// Re-add: drop the old walker and hosts before installing
		// the new ones so no stale worker can observe the swapped state.
		old.cancel.Cancel()
		for _, h := range old.hosts {
			h.Close()
		}
	}
	r.entries[manifest.ID] = &subgraphEntry{hosts: hosts, cancel: cancel}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SubgraphStarted(manifest.ID)
	}

	walker := NewWalker(manifest.ID, hosts, r.store, r.chain, r.publisher, r.reorgDepth, r.metrics, r.log.WithSubgraph(string(manifest.ID)))
	watcher := NewWatcher(manifest.ID, r.store, walker, cancel, r.log.WithSubgraph(string(manifest.ID)))
	recovery.SafeGoWithContext(ctx, watcher.Run)

	return nil
}

func (r *Registry) remove(ctx context.Context, id SubgraphID) error {
	r.mu.Lock()
	entry, exists := r.entries[id]
	if exists {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}

	// Signal before returning: the walker must be cancelled and hosts
	// dropped before SubgraphRemoved is considered handled, so no event
	// delivery can happen after removal.
	entry.cancel.Cancel()
	for _, h := range entry.hosts {
		h.Close()
	}
	if r.metrics != nil {
		r.metrics.SubgraphStopped(id)
	}
	return nil
}

// Hosts returns the currently registered hosts for id, or nil if the
// subgraph is not active. Exposed for introspection (metrics, tests); the
// walker itself is handed its hosts once at construction and superseded
// wholesale on re-add rather than re-resolving them each iteration.
func (r *Registry) Hosts(id SubgraphID) []Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil
	}
	return entry.hosts
}

// Active reports whether id currently has a registry entry.
func (r *Registry) Active(id SubgraphID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Serve drains a provider's events into the registry until ctx is done or
// the provider's channel closes. It is the glue cmd/indexerd runs in its
// main goroutine once every other dependency is wired.
func (r *Registry) Serve(ctx context.Context, provider Provider) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-provider.Events():
			if !ok {
				return
			}
			if err := r.Accept(ctx, ev); err != nil {
				r.log.WithError(err).Error("failed to apply provider event")
			}
		}
	}
}

// Shutdown cancels every active subgraph's walker and drops its hosts,
// used during graceful process shutdown. Teardown runs one goroutine per
// subgraph so a host slow to close does not delay the others.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]SubgraphID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return r.remove(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		r.log.WithError(err).Error("subgraph teardown reported an error")
	}
}
