package coordinator

import (
	"context"

	"github.com/quangdang46/subgraph-coordinator/shared/logging"
	"github.com/quangdang46/subgraph-coordinator/shared/monitoring"
)

// Watcher is the head-update watcher: it subscribes to the store's
// chain-tip change stream and invokes the Reconciliation Walker to
// completion on every tip change, until cancelled.
type Watcher struct {
	subgraph SubgraphID
	store    Store
	walker   *Walker
	cancel   *CancelHandle
	log      *logging.Logger
}

// NewWatcher builds a watcher for one subgraph's walker.
func NewWatcher(subgraph SubgraphID, store Store, walker *Walker, cancel *CancelHandle, log *logging.Logger) *Watcher {
	return &Watcher{subgraph: subgraph, store: store, walker: walker, cancel: cancel, log: log}
}

// Run subscribes to head updates and drives the walker until cancelled.
// It is launched via recovery.SafeGoWithContext by the registry, so a
// panic here is logged and converted into this subgraph simply going
// quiet rather than crashing the process.
func (w *Watcher) Run(ctx context.Context) {
	updates, err := w.store.HeadBlockUpdates(ctx)
	if err != nil {
		w.log.WithError(err).Error("watcher failed to subscribe to head updates")
		return
	}

	// Run once immediately: a subgraph added while already behind the
	// current head should not wait for the next tip change to start.
	w.reconcile(ctx)

	for {
		select {
		case <-w.cancel.Done():
			return
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				return
			}
			if w.cancel.Cancelled() {
				return
			}
			w.reconcile(ctx)
		}
	}
}

// reconcile runs one walker pass under a fresh run id so every log line the
// pass emits is correlatable across the walker's store and chain calls.
func (w *Watcher) reconcile(ctx context.Context) {
	runCtx := logging.WithRunID(ctx, logging.NewRunID())
	if err := w.walker.Run(runCtx, w.cancel); err != nil {
		w.log.WithContext(runCtx).WithError(err).Error("reconciliation walker exited with error")
		monitoring.CaptureError(err, map[string]string{
			"component":   "reconciliation_walker",
			"subgraph_id": string(w.subgraph),
		})
	}
}
