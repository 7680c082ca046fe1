package filewatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quangdang46/subgraph-coordinator/internal/coordinator"
	"github.com/quangdang46/subgraph-coordinator/shared/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.DefaultConfig("filewatcher-test"))
}

func okResolver(name string) (coordinator.MappingFunc, error) {
	if name == "unregistered" {
		return nil, errors.New("no such mapping")
	}
	return func(context.Context, coordinator.ChainEvent) ([]coordinator.EntityMutation, error) {
		return nil, nil
	}, nil
}

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func nextEvent(t *testing.T, p *Provider) coordinator.ProviderEvent {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no provider event within two seconds")
		return coordinator.ProviderEvent{}
	}
}

const manifestSG1 = `{
	"id": "sg1",
	"location": "manifests/sg1.json",
	"data_sources": [
		{"name": "transfers", "filter": [{"address": "0xAbC", "topic0": "0xT1"}]}
	]
}`

func TestProvider_EmitsAddedOnNewManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "sg1.json", manifestSG1)

	p := New(dir, 10*time.Millisecond, okResolver, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	ev := nextEvent(t, p)
	require.Equal(t, coordinator.ProviderSubgraphAdded, ev.Kind)
	assert.Equal(t, coordinator.SubgraphID("sg1"), ev.Manifest.ID)
	require.Len(t, ev.Manifest.DataSources, 1)

	// Filter addresses are normalized to lower case on ingest.
	assert.True(t, ev.Manifest.DataSources[0].Filter.Matches("0xabc", "0xt1"))
}

func TestProvider_EmitsRemovedWhenManifestDisappears(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "sg1.json", manifestSG1)

	p := New(dir, 10*time.Millisecond, okResolver, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Equal(t, coordinator.ProviderSubgraphAdded, nextEvent(t, p).Kind)

	require.NoError(t, os.Remove(filepath.Join(dir, "sg1.json")))
	ev := nextEvent(t, p)
	require.Equal(t, coordinator.ProviderSubgraphRemoved, ev.Kind)
	assert.Equal(t, coordinator.SubgraphID("sg1"), ev.ID)
}

// An unchanged file must not re-emit; a changed one re-adds (the registry
// treats a repeat Added as replace).
func TestProvider_ReEmitsOnlyOnContentChange(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "sg1.json", manifestSG1)

	p := New(dir, 10*time.Millisecond, okResolver, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Equal(t, coordinator.ProviderSubgraphAdded, nextEvent(t, p).Kind)

	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event for unchanged manifest: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	writeManifest(t, dir, "sg1.json", manifestSG1+"\n")
	require.Equal(t, coordinator.ProviderSubgraphAdded, nextEvent(t, p).Kind)
}

// A data source naming an unregistered mapping is quarantined; the rest of
// the manifest still loads.
func TestProvider_QuarantinesUnresolvableDataSource(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "sg2.json", `{
		"id": "sg2",
		"data_sources": [
			{"name": "unregistered", "filter": []},
			{"name": "transfers", "filter": [{"address": "0xa", "topic0": "0x1"}]}
		]
	}`)

	p := New(dir, 10*time.Millisecond, okResolver, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	ev := nextEvent(t, p)
	require.Equal(t, coordinator.ProviderSubgraphAdded, ev.Kind)
	require.Len(t, ev.Manifest.DataSources, 1)
	assert.Equal(t, "transfers", ev.Manifest.DataSources[0].Name)
}

func TestProvider_IgnoresInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "broken.json", `{not json`)
	writeManifest(t, dir, "sg1.json", manifestSG1)

	p := New(dir, 10*time.Millisecond, okResolver, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	ev := nextEvent(t, p)
	require.Equal(t, coordinator.ProviderSubgraphAdded, ev.Kind)
	assert.Equal(t, coordinator.SubgraphID("sg1"), ev.Manifest.ID)
}
