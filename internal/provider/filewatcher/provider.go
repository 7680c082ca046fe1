// Package filewatcher is the reference subgraph-provider ingestion path:
// it polls a directory of manifest JSON files and diffs each scan against
// what it last reported, emitting SubgraphAdded/SubgraphRemoved events the
// registry consumes.
package filewatcher

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quangdang46/subgraph-coordinator/internal/coordinator"
	sharederrors "github.com/quangdang46/subgraph-coordinator/shared/errors"
	"github.com/quangdang46/subgraph-coordinator/shared/logging"
)

// wireManifest is the on-disk shape a manifest file declares. There is no
// on-chain bytecode to load, so a data source names the mapping it wants
// by a string key resolved through a MappingResolver registered at process
// startup.
type wireManifest struct {
	ID          string           `json:"id"`
	Location    string           `json:"location"`
	DataSources []wireDataSource `json:"data_sources"`
}

type wireDataSource struct {
	Name   string            `json:"name"`
	Filter []wireFilterEntry `json:"filter"`
}

type wireFilterEntry struct {
	Address string `json:"address"`
	Topic0  string `json:"topic0"`
}

// MappingResolver looks up the mapping function a data source names. It is
// how a deployment registers its in-process mapping closures; an
// unresolvable name quarantines that data source rather than the whole
// manifest.
type MappingResolver func(name string) (coordinator.MappingFunc, error)

// Provider implements coordinator.Provider by polling dir on a fixed
// interval.
type Provider struct {
	dir      string
	interval time.Duration
	resolve  MappingResolver
	log      *logging.Logger

	events chan coordinator.ProviderEvent
	known  map[coordinator.SubgraphID]string // subgraph id -> last-seen content digest
}

// New builds a Provider that will poll dir once Run starts.
func New(dir string, interval time.Duration, resolve MappingResolver, log *logging.Logger) *Provider {
	return &Provider{
		dir:      dir,
		interval: interval,
		resolve:  resolve,
		log:      log,
		events:   make(chan coordinator.ProviderEvent, 16),
		known:    make(map[coordinator.SubgraphID]string),
	}
}

// Events implements coordinator.Provider.
func (p *Provider) Events() <-chan coordinator.ProviderEvent {
	return p.events
}

// Run polls dir until ctx is cancelled, then closes the events channel.
func (p *Provider) Run(ctx context.Context) {
	defer close(p.events)

	p.scan(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scan(ctx)
		}
	}
}

func (p *Provider) scan(ctx context.Context) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		p.log.WithError(err).WithField("dir", p.dir).Warn("manifest directory read failed")
		return
	}

	seen := make(map[coordinator.SubgraphID]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		p.scanFile(ctx, filepath.Join(p.dir, entry.Name()), seen)
	}

	for id := range p.known {
		if _, ok := seen[id]; ok {
			continue
		}
		delete(p.known, id)
		p.emit(ctx, coordinator.ProviderEvent{Kind: coordinator.ProviderSubgraphRemoved, ID: id})
	}
}

func (p *Provider) scanFile(ctx context.Context, path string, seen map[coordinator.SubgraphID]struct{}) {
	data, err := os.ReadFile(path)
	if err != nil {
		p.log.WithError(err).WithField("file", path).Warn("manifest file read failed")
		return
	}

	var wm wireManifest
	if err := json.Unmarshal(data, &wm); err != nil {
		manifestErr := sharederrors.ValidationError("manifest", "not valid JSON").WithCause(err).WithDetails("file", path)
		p.log.WithError(manifestErr).WithField("code", manifestErr.Code).WithField("file", path).Warn("invalid manifest file")
		return
	}
	id := coordinator.SubgraphID(wm.ID)
	seen[id] = struct{}{}

	digest := fmt.Sprintf("%x", sha256.Sum256(data))
	if prev, ok := p.known[id]; ok && prev == digest {
		return
	}

	manifest := p.build(ctx, wm)

	p.known[id] = digest
	p.emit(ctx, coordinator.ProviderEvent{Kind: coordinator.ProviderSubgraphAdded, Manifest: manifest})
}

// build resolves every data source's mapping, quarantining (dropping) any
// data source whose mapping name does not resolve rather than failing the
// whole manifest: a manifest with one bad data source still indexes via
// its remaining ones, and quarantine beats delivering a possibly
// incomplete event set to a host whose filter never registered.
func (p *Provider) build(ctx context.Context, wm wireManifest) coordinator.SubgraphManifest {
	dataSources := make([]coordinator.DataSource, 0, len(wm.DataSources))
	for _, ds := range wm.DataSources {
		mapping, err := p.resolve(ds.Name)
		if err != nil {
			quarantineErr := sharederrors.InvalidInput(
				fmt.Sprintf("data_sources[%s].name", ds.Name), "no mapping registered for this name",
			).WithCause(err)
			p.log.WithError(quarantineErr).WithField("code", quarantineErr.Code).
				WithField("subgraph_id", wm.ID).WithField("data_source", ds.Name).
				Warn("quarantining data source for this manifest")
			continue
		}

		entries := make([]coordinator.EventFilterEntry, 0, len(ds.Filter))
		for _, f := range ds.Filter {
			entries = append(entries, coordinator.EventFilterEntry{
				Address: coordinator.BlockHash(strings.ToLower(f.Address)),
				Topic0:  coordinator.BlockHash(strings.ToLower(f.Topic0)),
			})
		}

		dataSources = append(dataSources, coordinator.DataSource{
			Name:    ds.Name,
			Filter:  coordinator.NewEventFilter(entries...),
			Mapping: mapping,
		})
	}

	return coordinator.SubgraphManifest{
		ID:          coordinator.SubgraphID(wm.ID),
		Location:    wm.Location,
		DataSources: dataSources,
	}
}

func (p *Provider) emit(ctx context.Context, ev coordinator.ProviderEvent) {
	select {
	case p.events <- ev:
	case <-ctx.Done():
	}
}
