// Package redis implements the Redis-backed part of the store contract:
// the recent-block cache the ingestor keeps warm down to the reorg
// threshold behind head, and the head-change notification stream the
// watcher subscribes to.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/quangdang46/subgraph-coordinator/internal/coordinator"
	"github.com/quangdang46/subgraph-coordinator/shared/recovery"
	sharedredis "github.com/quangdang46/subgraph-coordinator/shared/redis"
)

// wireLog and wireBlock are the cached JSON body: number, hash,
// parent_hash, ordered logs.
type wireLog struct {
	LogIndex uint     `json:"log_index"`
	Address  string   `json:"address"`
	Topics   []string `json:"topics"`
	Data     []byte   `json:"data"`
}

type wireBlock struct {
	Number       uint64    `json:"number"`
	Hash         string    `json:"hash"`
	ParentNumber uint64    `json:"parent_number"`
	ParentHash   string    `json:"parent_hash"`
	Logs         []wireLog `json:"logs"`
}

func toWire(b coordinator.Block) wireBlock {
	logs := make([]wireLog, 0, len(b.Events))
	for _, e := range b.Events {
		topics := make([]string, 0, len(e.Topics))
		for _, t := range e.Topics {
			topics = append(topics, string(t))
		}
		logs = append(logs, wireLog{
			LogIndex: e.LogIndex,
			Address:  string(e.Address),
			Topics:   topics,
			Data:     e.Data,
		})
	}
	return wireBlock{
		Number:       b.Pointer.Number,
		Hash:         string(b.Pointer.Hash),
		ParentNumber: b.Parent.Number,
		ParentHash:   string(b.Parent.Hash),
		Logs:         logs,
	}
}

func fromWire(w wireBlock) coordinator.Block {
	ptr := coordinator.BlockPointer{Number: w.Number, Hash: coordinator.BlockHash(w.Hash)}
	events := make([]coordinator.ChainEvent, 0, len(w.Logs))
	for _, l := range w.Logs {
		topics := make([]coordinator.BlockHash, 0, len(l.Topics))
		for _, t := range l.Topics {
			topics = append(topics, coordinator.BlockHash(t))
		}
		events = append(events, coordinator.ChainEvent{
			BlockRef: ptr,
			LogIndex: l.LogIndex,
			Address:  coordinator.BlockHash(l.Address),
			Topics:   topics,
			Data:     l.Data,
		})
	}
	return coordinator.Block{
		Pointer: ptr,
		Parent:  coordinator.BlockPointer{Number: w.ParentNumber, Hash: coordinator.BlockHash(w.ParentHash)},
		Events:  events,
	}
}

// BlockCache is scoped to a single chain, matching PointerStore.
type BlockCache struct {
	client  *sharedredis.Redis
	chainID string
}

func NewBlockCache(client *sharedredis.Redis, chainID string) *BlockCache {
	return &BlockCache{client: client, chainID: chainID}
}

// PutBlock caches a fetched block body, keyed by hash. Called by whatever
// feeds the chain (the ingestor), never by the walker itself — the store
// only ever reports what it has cached.
func (c *BlockCache) PutBlock(ctx context.Context, b coordinator.Block) error {
	body, err := json.Marshal(toWire(b))
	if err != nil {
		return fmt.Errorf("marshal block %s: %w", b.Pointer, err)
	}
	if err := c.client.Set(ctx, sharedredis.BlockKey(string(b.Pointer.Hash)), string(body), 0); err != nil {
		return fmt.Errorf("cache block %s: %w", b.Pointer, err)
	}
	return nil
}

// BlockByHash returns a cached block's body, or ErrNotFound if the ingestor
// has already evicted it (it retains only the head and its D most recent
// ancestors).
func (c *BlockCache) BlockByHash(ctx context.Context, hash coordinator.BlockHash) (coordinator.Block, error) {
	raw, err := c.client.Get(ctx, sharedredis.BlockKey(string(hash)))
	if errors.Is(err, goredis.Nil) {
		return coordinator.Block{}, coordinator.ErrNotFound
	}
	if err != nil {
		return coordinator.Block{}, fmt.Errorf("get cached block %s: %w", hash, err)
	}
	var w wireBlock
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return coordinator.Block{}, fmt.Errorf("decode cached block %s: %w", hash, err)
	}
	return fromWire(w), nil
}

// AncestorBlock returns the block `offset` parents above `from`, walking
// cached parent_hash links rather than any stored ancestor index.
// Returns ErrNotFound the moment any hop in the chain is no longer cached.
func (c *BlockCache) AncestorBlock(ctx context.Context, from coordinator.BlockPointer, offset uint64) (coordinator.Block, error) {
	current, err := c.BlockByHash(ctx, from.Hash)
	if err != nil {
		return coordinator.Block{}, err
	}
	for i := uint64(0); i < offset; i++ {
		current, err = c.BlockByHash(ctx, current.Parent.Hash)
		if err != nil {
			return coordinator.Block{}, err
		}
	}
	return current, nil
}

// PublishHeadUpdate notifies every HeadBlockUpdates subscriber that the
// chain tip changed. Called by the ingestor after it updates the head
// pointer and caches the new block body.
func (c *BlockCache) PublishHeadUpdate(ctx context.Context) error {
	if err := c.client.GetClient().Publish(ctx, sharedredis.HeadUpdatesChannel(c.chainID), "1").Err(); err != nil {
		return fmt.Errorf("publish head update: %w", err)
	}
	return nil
}

// HeadBlockUpdates returns a channel of opaque tokens, one per observed
// head change. The watcher ranges over it and re-reads the head pointer
// authoritatively rather than trusting the token's payload.
func (c *BlockCache) HeadBlockUpdates(ctx context.Context) (<-chan struct{}, error) {
	pubsub := c.client.GetClient().Subscribe(ctx, sharedredis.HeadUpdatesChannel(c.chainID))
	msgs := pubsub.Channel()
	out := make(chan struct{}, 1)
	recovery.SafeGo(func() {
		defer pubsub.Close()
		for range msgs {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	})
	return out, nil
}
