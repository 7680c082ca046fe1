package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	published []EntityMutation
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, m EntityMutation) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, m)
	return nil
}

func openTestSink(t *testing.T, tx *mockTx, publisher MutationPublisher) *BlockSink {
	t.Helper()
	store := &mockStore{}
	blockRef := ptr(5, "0xb5")
	store.On("BeginTransaction", mock.Anything, SubgraphID("sg1"), blockRef).Return(tx, nil).Once()

	sink, err := OpenBlockSink(context.Background(), store, "sg1", blockRef, publisher, testLogger())
	require.NoError(t, err)
	return sink
}

func TestBlockSink_DrainAppliesSetAndRemove(t *testing.T) {
	tx := &mockTx{}
	sink := openTestSink(t, tx, nil)

	host := newRecordingHost(t, "m")
	host.mutCh <- EntityMutation{Kind: MutationSet, Key: EntityKey{Subgraph: "sg1", EntityType: "T", EntityID: "1"}}
	host.mutCh <- EntityMutation{Kind: MutationRemove, Key: EntityKey{Subgraph: "sg1", EntityType: "T", EntityID: "2"}}

	tx.On("Set", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	tx.On("Remove", mock.Anything, EntityKey{Subgraph: "sg1", EntityType: "T", EntityID: "2"}).Return(nil).Once()

	require.NoError(t, sink.Drain(context.Background(), host))
	tx.AssertExpectations(t)
}

// Commit is the single atomic write for the block; the fan-out publish
// happens after it and only on success.
func TestBlockSink_CommitThenPublishes(t *testing.T) {
	tx := &mockTx{}
	publisher := &recordingPublisher{}
	sink := openTestSink(t, tx, publisher)

	host := newRecordingHost(t, "m")
	host.mutCh <- EntityMutation{Kind: MutationSet, Key: EntityKey{Subgraph: "sg1", EntityType: "T", EntityID: "1"}}
	tx.On("Set", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	require.NoError(t, sink.Drain(context.Background(), host))

	tx.On("CommitWithoutPointerUpdate", mock.Anything).Return(nil).Once()
	require.NoError(t, sink.Commit(context.Background()))

	assert.Len(t, publisher.published, 1)
	tx.AssertExpectations(t)
}

func TestBlockSink_CommitFailureSkipsPublish(t *testing.T) {
	tx := &mockTx{}
	publisher := &recordingPublisher{}
	sink := openTestSink(t, tx, publisher)

	tx.On("CommitWithoutPointerUpdate", mock.Anything).Return(errors.New("store down")).Once()

	require.Error(t, sink.Commit(context.Background()))
	assert.Empty(t, publisher.published)
}

// A publish failure is fan-out degradation, never a commit failure: the
// entities are already durable and the pointer advance must proceed.
func TestBlockSink_PublishFailureDoesNotFailCommit(t *testing.T) {
	tx := &mockTx{}
	publisher := &recordingPublisher{err: errors.New("broker down")}
	sink := openTestSink(t, tx, publisher)

	host := newRecordingHost(t, "m")
	host.mutCh <- EntityMutation{Kind: MutationSet, Key: EntityKey{Subgraph: "sg1", EntityType: "T", EntityID: "1"}}
	tx.On("Set", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	require.NoError(t, sink.Drain(context.Background(), host))

	tx.On("CommitWithoutPointerUpdate", mock.Anything).Return(nil).Once()
	require.NoError(t, sink.Commit(context.Background()))
}

func TestBlockSink_AbortRollsBack(t *testing.T) {
	tx := &mockTx{}
	sink := openTestSink(t, tx, nil)

	tx.On("Rollback", mock.Anything).Return(nil).Once()
	sink.Abort(context.Background())
	tx.AssertExpectations(t)
}
