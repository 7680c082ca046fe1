package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/quangdang46/subgraph-coordinator/shared/logging"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) AddSubgraphIfMissing(ctx context.Context, id SubgraphID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) HeadBlockPointer(ctx context.Context) (BlockPointer, error) {
	args := m.Called(ctx)
	return args.Get(0).(BlockPointer), args.Error(1)
}

func (m *mockStore) BlockPointer(ctx context.Context, id SubgraphID) (BlockPointer, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(BlockPointer), args.Error(1)
}

func (m *mockStore) HeadBlockUpdates(ctx context.Context) (<-chan struct{}, error) {
	args := m.Called(ctx)
	return args.Get(0).(<-chan struct{}), args.Error(1)
}

func (m *mockStore) AncestorBlock(ctx context.Context, from BlockPointer, offset uint64) (Block, error) {
	args := m.Called(ctx, from, offset)
	return args.Get(0).(Block), args.Error(1)
}

func (m *mockStore) BlockByHash(ctx context.Context, hash BlockHash) (Block, error) {
	args := m.Called(ctx, hash)
	return args.Get(0).(Block), args.Error(1)
}

func (m *mockStore) BeginTransaction(ctx context.Context, id SubgraphID, blockRef BlockPointer) (Tx, error) {
	args := m.Called(ctx, id, blockRef)
	return args.Get(0).(Tx), args.Error(1)
}

func (m *mockStore) SetBlockPointerWithNoChanges(ctx context.Context, id SubgraphID, old, new BlockPointer) error {
	return m.Called(ctx, id, old, new).Error(0)
}

func (m *mockStore) RevertBlock(ctx context.Context, id SubgraphID, block Block) error {
	return m.Called(ctx, id, block).Error(0)
}

type mockChain struct {
	mock.Mock
}

func (m *mockChain) IsOnMainChain(ctx context.Context, ptr BlockPointer) (bool, error) {
	args := m.Called(ctx, ptr)
	return args.Bool(0), args.Error(1)
}

func (m *mockChain) FindFirstBlocksWithEvents(ctx context.Context, from, to uint64, filter EventFilter) ([]BlockPointer, error) {
	args := m.Called(ctx, from, to, filter)
	return args.Get(0).([]BlockPointer), args.Error(1)
}

func (m *mockChain) BlockByNumber(ctx context.Context, number uint64) (Block, error) {
	args := m.Called(ctx, number)
	return args.Get(0).(Block), args.Error(1)
}

func (m *mockChain) BlockByHash(ctx context.Context, hash BlockHash) (Block, error) {
	args := m.Called(ctx, hash)
	return args.Get(0).(Block), args.Error(1)
}

func (m *mockChain) GetEventsInBlock(ctx context.Context, block BlockPointer, filter EventFilter) ([]ChainEvent, error) {
	args := m.Called(ctx, block, filter)
	return args.Get(0).([]ChainEvent), args.Error(1)
}

type mockTx struct {
	mock.Mock
}

func (m *mockTx) Set(ctx context.Context, key EntityKey, attributes map[string]any) error {
	return m.Called(ctx, key, attributes).Error(0)
}

func (m *mockTx) Remove(ctx context.Context, key EntityKey) error {
	return m.Called(ctx, key).Error(0)
}

func (m *mockTx) CommitWithoutPointerUpdate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockTx) Rollback(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.DefaultConfig("coordinator-test"))
}

func ptr(number uint64, hash string) BlockPointer {
	return BlockPointer{Number: number, Hash: BlockHash(hash)}
}

// Safe mode with no matching events in the skippable range fast-forwards
// the pointer without opening a block sink: no events, no entity writes.
func TestWalker_SafeMode_FastForwardsWithoutEvents(t *testing.T) {
	store := &mockStore{}
	chain := &mockChain{}

	head := ptr(1000, "0xhead")
	sub := ptr(100, "0xsub")
	skipTarget := ptr(700, "0xskip") // head.Number - reorgDepth(300)

	chain.On("IsOnMainChain", mock.Anything, sub).Return(true, nil).Once()
	chain.On("FindFirstBlocksWithEvents", mock.Anything, uint64(101), uint64(700), mock.Anything).
		Return([]BlockPointer{}, nil).Once()
	chain.On("BlockByNumber", mock.Anything, uint64(700)).Return(Block{Pointer: skipTarget}, nil).Once()
	store.On("SetBlockPointerWithNoChanges", mock.Anything, SubgraphID("sg1"), sub, skipTarget).Return(nil).Once()

	host := newRecordingHost(t, "mapping-a")
	w := NewWalker("sg1", []Host{host}, store, chain, nil, 300, nil, testLogger())

	st, err := w.decideSafeMode(context.Background(), head, sub)
	require.NoError(t, err)
	assert.False(t, st.toParent)
	assert.Empty(t, st.descendants)
	store.AssertExpectations(t)
	chain.AssertExpectations(t)
}

// An empty union filter matches nothing, so safe mode fast-forwards with a
// pure pointer move and never issues the range query at all.
func TestWalker_SafeMode_EmptyFilterSkipsRangeQuery(t *testing.T) {
	store := &mockStore{}
	chain := &mockChain{}

	head := ptr(1000, "0xhead")
	sub := ptr(100, "0xsub")
	skipTarget := ptr(700, "0xskip")

	chain.On("IsOnMainChain", mock.Anything, sub).Return(true, nil).Once()
	chain.On("BlockByNumber", mock.Anything, uint64(700)).Return(Block{Pointer: skipTarget}, nil).Once()
	store.On("SetBlockPointerWithNoChanges", mock.Anything, SubgraphID("sg1"), sub, skipTarget).Return(nil).Once()

	w := NewWalker("sg1", nil, store, chain, nil, 300, nil, testLogger())

	st, err := w.decideSafeMode(context.Background(), head, sub)
	require.NoError(t, err)
	assert.Empty(t, st.descendants)
	chain.AssertNotCalled(t, "FindFirstBlocksWithEvents", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

// A subgraph pointer that is no longer on the main chain triggers a
// revert toward the common ancestor, never a forward step.
func TestWalker_SafeMode_RevertsWhenOffMainChain(t *testing.T) {
	store := &mockStore{}
	chain := &mockChain{}

	head := ptr(1000, "0xhead")
	sub := ptr(100, "0xsub")
	subBlock := Block{Pointer: sub, Parent: ptr(99, "0xparent")}

	chain.On("IsOnMainChain", mock.Anything, sub).Return(false, nil).Once()

	w := NewWalker("sg1", nil, store, chain, nil, 300, nil, testLogger())

	st, err := w.decideSafeMode(context.Background(), head, sub)
	require.NoError(t, err)
	assert.True(t, st.toParent)

	// Applying the revert consults the local block cache first, falls back
	// to the chain adapter, then reverts atomically.
	store.On("BlockByHash", mock.Anything, sub.Hash).Return(Block{}, ErrNotFound).Once()
	chain.On("BlockByHash", mock.Anything, sub.Hash).Return(subBlock, nil).Once()
	store.On("RevertBlock", mock.Anything, SubgraphID("sg1"), subBlock).Return(nil).Once()

	require.NoError(t, w.applyToParent(context.Background(), sub))
	store.AssertExpectations(t)
	chain.AssertExpectations(t)
}

// A freshly added subgraph has no persisted pointer: the read maps to the
// genesis-minus-one sentinel, and safe mode walks forward from genesis
// without ever asking whether the sentinel is on the main chain.
func TestWalker_FreshSubgraph_SafeModeStartsForwardFromGenesis(t *testing.T) {
	store := &mockStore{}
	chain := &mockChain{}

	head := ptr(1000, "0xhead")
	skipTarget := ptr(700, "0xskip")

	store.On("BlockPointer", mock.Anything, SubgraphID("sg1")).Return(BlockPointer{}, ErrNotFound).Once()

	host := newRecordingHost(t, "mapping-a")
	w := NewWalker("sg1", []Host{host}, store, chain, nil, 300, nil, testLogger())

	sub, err := w.subgraphPointer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BlockPointer{}, sub)

	chain.On("FindFirstBlocksWithEvents", mock.Anything, uint64(0), uint64(700), mock.Anything).
		Return([]BlockPointer{}, nil).Once()
	chain.On("BlockByNumber", mock.Anything, uint64(700)).Return(Block{Pointer: skipTarget}, nil).Once()
	store.On("SetBlockPointerWithNoChanges", mock.Anything, SubgraphID("sg1"), BlockPointer{}, skipTarget).
		Return(nil).Once()

	st, err := w.decideSafeMode(context.Background(), head, sub)
	require.NoError(t, err)
	assert.False(t, st.toParent)
	assert.Empty(t, st.descendants)
	chain.AssertNotCalled(t, "IsOnMainChain", mock.Anything, mock.Anything)
	store.AssertExpectations(t)
	chain.AssertExpectations(t)
}

// Near head, the sentinel's first block is genesis itself: the deepest
// ancestor reachable from head, accepted without a parent-hash comparison.
func TestWalker_FreshSubgraph_NearHeadStartsAtGenesis(t *testing.T) {
	store := &mockStore{}

	head := ptr(2, "0xh2")
	genesis := Block{Pointer: ptr(0, "0xgenesis")}

	store.On("AncestorBlock", mock.Anything, head, uint64(2)).Return(genesis, nil).Once()

	w := NewWalker("sg1", nil, store, &mockChain{}, nil, 300, nil, testLogger())

	st, err := w.decideNearHead(context.Background(), head, BlockPointer{})
	require.NoError(t, err)
	assert.False(t, st.toParent)
	require.Len(t, st.descendants, 1)
	assert.Equal(t, genesis.Pointer, st.descendants[0])
	store.AssertExpectations(t)
}

// Near-head mode reverts when the cached candidate's parent hash shows the
// subgraph pointer is not on the chain leading to head.
func TestWalker_NearHead_RevertsOnParentMismatch(t *testing.T) {
	store := &mockStore{}

	head := ptr(20, "0xh20")
	sub := ptr(18, "0xh18a")
	candidate := Block{Pointer: ptr(19, "0xh19b"), Parent: ptr(18, "0xh18b")}

	store.On("AncestorBlock", mock.Anything, head, uint64(1)).Return(candidate, nil).Once()

	w := NewWalker("sg1", nil, store, &mockChain{}, nil, 300, nil, testLogger())

	st, err := w.decideNearHead(context.Background(), head, sub)
	require.NoError(t, err)
	assert.True(t, st.toParent)
	store.AssertExpectations(t)
}

// A rotated block cache is not an error: the step is empty and the outer
// loop re-reads the head on its next iteration.
func TestWalker_NearHead_CacheRotationRestartsLoop(t *testing.T) {
	store := &mockStore{}

	head := ptr(20, "0xh20")
	sub := ptr(10, "0xh10")

	store.On("AncestorBlock", mock.Anything, head, uint64(9)).Return(Block{}, ErrNotFound).Once()

	w := NewWalker("sg1", nil, store, &mockChain{}, nil, 300, nil, testLogger())

	st, err := w.decideNearHead(context.Background(), head, sub)
	require.NoError(t, err)
	assert.False(t, st.toParent)
	assert.Empty(t, st.descendants)
	store.AssertExpectations(t)
}

// Near-head mode (depth <= D) advances one block at a time, delivering
// events to every active host inside a single committed transaction.
func TestWalker_NearHead_DeliversEventsAndCommits(t *testing.T) {
	store := &mockStore{}
	chain := &mockChain{}
	tx := &mockTx{}

	head := ptr(110, "0xhead")
	sub := ptr(109, "0xsub")
	next := Block{Pointer: ptr(110, "0xhead"), Parent: sub}

	host := newRecordingHost(t, "mapping-a")

	store.On("HeadBlockPointer", mock.Anything).Return(head, nil).Once()
	store.On("BlockPointer", mock.Anything, SubgraphID("sg1")).Return(sub, nil).Once()
	store.On("AncestorBlock", mock.Anything, head, uint64(0)).Return(next, nil).Once()
	store.On("BlockByHash", mock.Anything, next.Pointer.Hash).Return(next, nil).Once()

	event := ChainEvent{BlockRef: next.Pointer, Address: "0xaddr", Topics: []BlockHash{"0xtopic"}}
	chain.On("GetEventsInBlock", mock.Anything, next.Pointer, mock.Anything).
		Return([]ChainEvent{event}, nil).Once()

	store.On("BeginTransaction", mock.Anything, SubgraphID("sg1"), next.Pointer).Return(tx, nil).Once()
	tx.On("Set", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	tx.On("CommitWithoutPointerUpdate", mock.Anything).Return(nil).Once()
	store.On("SetBlockPointerWithNoChanges", mock.Anything, SubgraphID("sg1"), sub, next.Pointer).Return(nil).Once()

	store.On("HeadBlockPointer", mock.Anything).Return(head, nil).Once()
	store.On("BlockPointer", mock.Anything, SubgraphID("sg1")).Return(next.Pointer, nil).Once()

	metrics := &recordingMetrics{}
	w := NewWalker("sg1", []Host{host}, store, chain, nil, 300, metrics, testLogger())
	cancel := NewCancelHandle()

	err := w.Run(context.Background(), cancel)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.blocksProcessed)
	host.assertReceived(t, event)
	store.AssertExpectations(t)
	chain.AssertExpectations(t)
	tx.AssertExpectations(t)
}

// recordingMetrics is a minimal RegistryMetrics double that just counts
// calls, since most walker tests only care whether a call happened.
type recordingMetrics struct {
	reorgs          int
	blocksProcessed int
}

func (r *recordingMetrics) SubgraphStarted(SubgraphID)            {}
func (r *recordingMetrics) SubgraphStopped(SubgraphID)            {}
func (r *recordingMetrics) ReorgDetected(SubgraphID)              { r.reorgs++ }
func (r *recordingMetrics) BlockProcessed(SubgraphID)             { r.blocksProcessed++ }
func (r *recordingMetrics) ReconcileDuration(SubgraphID, float64) {}
func (r *recordingMetrics) PointerLag(SubgraphID, int64)          {}
func (r *recordingMetrics) WalkerCancelled(SubgraphID)            {}

// recordingHost produces one Set mutation per event it receives, feeding
// the sink exactly the way a RuntimeHost would for a trivial mapping.
type recordingHost struct {
	name     string
	received []ChainEvent
	mutCh    chan EntityMutation
}

func newRecordingHost(t *testing.T, name string) *recordingHost {
	t.Helper()
	return &recordingHost{name: name, mutCh: make(chan EntityMutation, 8)}
}

func (h *recordingHost) Name() string { return h.name }

func (h *recordingHost) EventFilter() (EventFilter, error) {
	return NewEventFilter(EventFilterEntry{Address: "0xaddr", Topic0: "0xtopic"}), nil
}

func (h *recordingHost) Send(ctx context.Context, event ChainEvent) error {
	h.received = append(h.received, event)
	h.mutCh <- EntityMutation{
		Kind:     MutationSet,
		Key:      EntityKey{Subgraph: "sg1", EntityType: "Thing", EntityID: "1"},
		BlockRef: event.BlockRef,
	}
	return nil
}

func (h *recordingHost) Mutations() <-chan EntityMutation { return h.mutCh }

func (h *recordingHost) Close() {}

func (h *recordingHost) assertReceived(t *testing.T, want ChainEvent) {
	t.Helper()
	require.Len(t, h.received, 1)
	assert.Equal(t, want, h.received[0])
}

// cancellingHost fires the walker's cancel handle from inside its first
// Send, simulating teardown arriving while a block is mid-delivery.
type cancellingHost struct {
	*recordingHost
	cancel *CancelHandle
}

func (h *cancellingHost) Send(ctx context.Context, event ChainEvent) error {
	err := h.recordingHost.Send(ctx, event)
	h.cancel.Cancel()
	return err
}

// A cancel observed mid-block must abandon the block: the open transaction
// rolls back and the pointer stays put, so the next run replays the block
// from its start instead of committing a partial delivery.
func TestWalker_CancelMidBlockAbortsWithoutAdvancing(t *testing.T) {
	store := &mockStore{}
	chain := &mockChain{}
	tx := &mockTx{}

	sub := ptr(49, "0xh49")
	block := Block{Pointer: ptr(50, "0xh50"), Parent: sub}

	cancel := NewCancelHandle()
	host := &cancellingHost{recordingHost: newRecordingHost(t, "mapping-a"), cancel: cancel}

	events := []ChainEvent{
		{BlockRef: block.Pointer, LogIndex: 0, Address: "0xaddr", Topics: []BlockHash{"0xtopic"}},
		{BlockRef: block.Pointer, LogIndex: 1, Address: "0xaddr", Topics: []BlockHash{"0xtopic"}},
	}
	store.On("BlockByHash", mock.Anything, block.Pointer.Hash).Return(block, nil).Once()
	chain.On("GetEventsInBlock", mock.Anything, block.Pointer, mock.Anything).Return(events, nil).Once()
	store.On("BeginTransaction", mock.Anything, SubgraphID("sg1"), block.Pointer).Return(tx, nil).Once()
	tx.On("Set", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	tx.On("Rollback", mock.Anything).Return(nil).Once()

	w := NewWalker("sg1", []Host{host}, store, chain, nil, 300, nil, testLogger())

	require.NoError(t, w.applyToDescendants(context.Background(), cancel, sub, []BlockPointer{block.Pointer}))

	require.Len(t, host.received, 1, "delivery must stop at the cancellation boundary")
	store.AssertNotCalled(t, "SetBlockPointerWithNoChanges", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	tx.AssertNotCalled(t, "CommitWithoutPointerUpdate", mock.Anything)
	tx.AssertExpectations(t)
	store.AssertExpectations(t)
	chain.AssertExpectations(t)
}
