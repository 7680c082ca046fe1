package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testManifest(id SubgraphID) SubgraphManifest {
	return SubgraphManifest{
		ID:       id,
		Location: "file:///manifests/" + string(id) + ".json",
		DataSources: []DataSource{{
			Name:   "transfers",
			Filter: NewEventFilter(entry("0xaddr", "0xtopic")),
			Mapping: func(context.Context, ChainEvent) ([]EntityMutation, error) {
				return nil, nil
			},
		}},
	}
}

// caughtUpStore satisfies every call a freshly started watcher/walker pair
// can make, with the subgraph already at head so the walker exits at once.
func caughtUpStore(id SubgraphID) *mockStore {
	store := &mockStore{}
	updates := make(chan struct{})
	head := ptr(100, "0xhead")

	store.On("AddSubgraphIfMissing", mock.Anything, id).Return(nil).Once()
	store.On("HeadBlockUpdates", mock.Anything).Return((<-chan struct{})(updates), nil).Maybe()
	store.On("HeadBlockPointer", mock.Anything).Return(head, nil).Maybe()
	store.On("BlockPointer", mock.Anything, id).Return(head, nil).Maybe()
	return store
}

func TestRegistry_AddRegistersHostsAndStartsWatcher(t *testing.T) {
	store := caughtUpStore("sg1")
	reg := NewRegistry(store, &mockChain{}, nil, 300, nil, testLogger())

	err := reg.Accept(context.Background(), ProviderEvent{Kind: ProviderSubgraphAdded, Manifest: testManifest("sg1")})
	require.NoError(t, err)

	assert.True(t, reg.Active("sg1"))
	require.Len(t, reg.Hosts("sg1"), 1)
	store.AssertCalled(t, "AddSubgraphIfMissing", mock.Anything, SubgraphID("sg1"))
}

// Removal must close the hosts before Accept returns: no event delivery is
// permitted after a SubgraphRemoved has been handled.
func TestRegistry_RemoveClosesHostsBeforeReturning(t *testing.T) {
	store := caughtUpStore("sg1")
	reg := NewRegistry(store, &mockChain{}, nil, 300, nil, testLogger())

	require.NoError(t, reg.Accept(context.Background(), ProviderEvent{Kind: ProviderSubgraphAdded, Manifest: testManifest("sg1")}))
	hosts := reg.Hosts("sg1")
	require.Len(t, hosts, 1)

	require.NoError(t, reg.Accept(context.Background(), ProviderEvent{Kind: ProviderSubgraphRemoved, ID: "sg1"}))

	assert.False(t, reg.Active("sg1"))
	err := hosts[0].Send(context.Background(), testEvent(1))
	require.Error(t, err, "a removed subgraph's host must reject deliveries")
}

func TestRegistry_RemoveUnknownIsNoOp(t *testing.T) {
	reg := NewRegistry(&mockStore{}, &mockChain{}, nil, 300, nil, testLogger())
	require.NoError(t, reg.Accept(context.Background(), ProviderEvent{Kind: ProviderSubgraphRemoved, ID: "ghost"}))
}

// Re-adding an id replaces its hosts wholesale and retires the old walker;
// the store row (and therefore the pointer) is left alone.
func TestRegistry_ReAddReplacesHosts(t *testing.T) {
	store := caughtUpStore("sg1")
	store.On("AddSubgraphIfMissing", mock.Anything, SubgraphID("sg1")).Return(nil).Once()
	reg := NewRegistry(store, &mockChain{}, nil, 300, nil, testLogger())

	require.NoError(t, reg.Accept(context.Background(), ProviderEvent{Kind: ProviderSubgraphAdded, Manifest: testManifest("sg1")}))
	oldHosts := reg.Hosts("sg1")
	require.Len(t, oldHosts, 1)

	require.NoError(t, reg.Accept(context.Background(), ProviderEvent{Kind: ProviderSubgraphAdded, Manifest: testManifest("sg1")}))
	newHosts := reg.Hosts("sg1")
	require.Len(t, newHosts, 1)

	assert.NotSame(t, oldHosts[0], newHosts[0])
	err := oldHosts[0].Send(context.Background(), testEvent(1))
	require.Error(t, err, "superseded hosts must be closed")
	require.NoError(t, newHosts[0].Send(context.Background(), testEvent(1)))
}

func TestRegistry_ShutdownTearsDownEverySubgraph(t *testing.T) {
	storeA := caughtUpStore("sgA")
	storeA.On("AddSubgraphIfMissing", mock.Anything, SubgraphID("sgB")).Return(nil).Once()
	storeA.On("BlockPointer", mock.Anything, SubgraphID("sgB")).Return(ptr(100, "0xhead"), nil).Maybe()
	reg := NewRegistry(storeA, &mockChain{}, nil, 300, nil, testLogger())

	require.NoError(t, reg.Accept(context.Background(), ProviderEvent{Kind: ProviderSubgraphAdded, Manifest: testManifest("sgA")}))
	require.NoError(t, reg.Accept(context.Background(), ProviderEvent{Kind: ProviderSubgraphAdded, Manifest: testManifest("sgB")}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reg.Shutdown(ctx)

	assert.False(t, reg.Active("sgA"))
	assert.False(t, reg.Active("sgB"))
}

func TestCancelHandle_IdempotentAndObservable(t *testing.T) {
	h := NewCancelHandle()
	assert.False(t, h.Cancelled())

	h.Cancel()
	h.Cancel() // second call must be a no-op, not a double close

	assert.True(t, h.Cancelled())
	select {
	case <-h.Done():
	default:
		t.Fatal("Done channel not closed after Cancel")
	}
}
