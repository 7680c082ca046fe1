package coordinator

// ManualProvider is the simplest Provider: callers push ProviderEvent
// values directly (from a config-file watcher, an admin command, or a
// test), and Registry.Serve drains them into a Registry. It exists so the wire
// protocol for manifest delivery can stay entirely outside this package,
// per the design notes on the provider control plane.
type ManualProvider struct {
	events chan ProviderEvent
}

// NewManualProvider creates a provider with the given channel buffer size.
func NewManualProvider(buffer int) *ManualProvider {
	return &ManualProvider{events: make(chan ProviderEvent, buffer)}
}

func (p *ManualProvider) Events() <-chan ProviderEvent {
	return p.events
}

// Add enqueues a SubgraphAdded event.
func (p *ManualProvider) Add(manifest SubgraphManifest) {
	p.events <- ProviderEvent{Kind: ProviderSubgraphAdded, Manifest: manifest}
}

// Remove enqueues a SubgraphRemoved event.
func (p *ManualProvider) Remove(id SubgraphID) {
	p.events <- ProviderEvent{Kind: ProviderSubgraphRemoved, ID: id}
}

// Close stops the provider; Registry.Serve returns once the channel is drained.
func (p *ManualProvider) Close() {
	close(p.events)
}
