// Package ethereum implements the coordinator's chain adapter against an
// Ethereum-compatible JSON-RPC node via go-ethereum's ethclient.
package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quangdang46/subgraph-coordinator/internal/coordinator"
)

// headerCacheSize bounds the by-hash header cache. A block's content at a
// given hash never changes, so entries never need invalidating, only
// eviction once the cache is full (mirrors go-ethereum's own headerCache).
const headerCacheSize = 2048

// Adapter wraps a single chain node connection and implements
// coordinator.ChainAdapter.
type Adapter struct {
	rpcClient *rpc.Client
	eth       *ethclient.Client

	headerCache *lru.Cache[coordinator.BlockHash, coordinator.Block]
}

// Dial connects to rpcURL and verifies the node answers before returning.
func Dial(ctx context.Context, rpcURL string) (*Adapter, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("chain adapter: rpc url cannot be empty")
	}

	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain adapter: dial %s: %w", rpcURL, err)
	}

	ethClient := ethclient.NewClient(rpcClient)
	headerCache, err := lru.New[coordinator.BlockHash, coordinator.Block](headerCacheSize)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("chain adapter: build header cache: %w", err)
	}
	a := &Adapter{rpcClient: rpcClient, eth: ethClient, headerCache: headerCache}

	if _, err := a.eth.HeaderByNumber(ctx, nil); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("chain adapter: test connection to %s: %w", rpcURL, err)
	}
	return a, nil
}

// Close releases the underlying RPC connection.
func (a *Adapter) Close() {
	if a.eth != nil {
		a.eth.Close()
	}
}

// IsOnMainChain compares the canonical hash at ptr.Number against ptr.Hash.
func (a *Adapter) IsOnMainChain(ctx context.Context, ptr coordinator.BlockPointer) (bool, error) {
	header, err := a.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(ptr.Number))
	if err != nil {
		return false, fmt.Errorf("header by number %d: %w", ptr.Number, err)
	}
	return header.Hash().Hex() == string(ptr.Hash), nil
}

// BlockByNumber resolves a block's pointer and parent pointer by height.
// Safe only at a depth greater than the reorg threshold below head. Its
// result is cacheable by hash once fetched, but not by number: the block
// canonical at a given height can change across reorgs, so this path always
// asks the node and only populates the hash-keyed cache afterward.
func (a *Adapter) BlockByNumber(ctx context.Context, number uint64) (coordinator.Block, error) {
	header, err := a.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return coordinator.Block{}, fmt.Errorf("block by number %d: %w", number, err)
	}
	block := headerToBlock(header)
	a.headerCache.Add(block.Pointer.Hash, block)
	return block, nil
}

// BlockByHash resolves a block's pointer and parent pointer by hash,
// regardless of depth. A hash uniquely determines a block's content, so
// results are cached indefinitely (bounded by headerCacheSize eviction).
func (a *Adapter) BlockByHash(ctx context.Context, hash coordinator.BlockHash) (coordinator.Block, error) {
	if block, ok := a.headerCache.Get(hash); ok {
		return block, nil
	}

	header, err := a.eth.HeaderByHash(ctx, common.HexToHash(string(hash)))
	if err != nil {
		return coordinator.Block{}, fmt.Errorf("block by hash %s: %w", hash, err)
	}
	if header == nil {
		return coordinator.Block{}, coordinator.ErrNotFound
	}
	block := headerToBlock(header)
	a.headerCache.Add(hash, block)
	return block, nil
}

func headerToBlock(header *types.Header) coordinator.Block {
	ptr := coordinator.BlockPointer{
		Number: header.Number.Uint64(),
		Hash:   coordinator.BlockHash(header.Hash().Hex()),
	}
	var parent coordinator.BlockPointer
	if ptr.Number > 0 {
		parent = coordinator.BlockPointer{
			Number: ptr.Number - 1,
			Hash:   coordinator.BlockHash(header.ParentHash.Hex()),
		}
	}
	return coordinator.Block{Pointer: ptr, Parent: parent}
}

// FindFirstBlocksWithEvents issues one FilterLogs call over [from, to] with
// filter translated to an ethereum.FilterQuery, then collapses the
// returned logs' block numbers into the ordered, deduplicated list of
// matching BlockPointers.
func (a *Adapter) FindFirstBlocksWithEvents(ctx context.Context, from, to uint64, filter coordinator.EventFilter) ([]coordinator.BlockPointer, error) {
	// The empty filter matches nothing; an unrestricted FilterQuery would
	// mean the opposite, so never issue one.
	if filter.Empty() {
		return nil, nil
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
	}
	applyEntries(&query, filter)

	logs, err := a.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}
	if len(logs) == 0 {
		return nil, nil
	}

	seen := make(map[uint64]coordinator.BlockPointer)
	order := make([]uint64, 0)
	for _, lg := range logs {
		if _, ok := seen[lg.BlockNumber]; !ok {
			order = append(order, lg.BlockNumber)
		}
		seen[lg.BlockNumber] = coordinator.BlockPointer{
			Number: lg.BlockNumber,
			Hash:   coordinator.BlockHash(lg.BlockHash.Hex()),
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := make([]coordinator.BlockPointer, 0, len(order))
	for _, n := range order {
		out = append(out, seen[n])
	}
	return out, nil
}

// GetEventsInBlock issues a FilterLogs scoped to the single block by hash
// and preserves the log order the node returns, which is already
// chain-ordered.
func (a *Adapter) GetEventsInBlock(ctx context.Context, block coordinator.BlockPointer, filter coordinator.EventFilter) ([]coordinator.ChainEvent, error) {
	if filter.Empty() {
		return nil, nil
	}
	blockHash := common.HexToHash(string(block.Hash))
	query := ethereum.FilterQuery{BlockHash: &blockHash}
	applyEntries(&query, filter)

	logs, err := a.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs for block %s: %w", block, err)
	}

	events := make([]coordinator.ChainEvent, 0, len(logs))
	for _, lg := range logs {
		topics := make([]coordinator.BlockHash, 0, len(lg.Topics))
		for _, t := range lg.Topics {
			topics = append(topics, coordinator.BlockHash(t.Hex()))
		}
		events = append(events, coordinator.ChainEvent{
			BlockRef: block,
			LogIndex: uint(lg.Index),
			Address:  coordinator.BlockHash(lg.Address.Hex()),
			Topics:   topics,
			Data:     lg.Data,
		})
	}
	return events, nil
}

// applyEntries narrows query to the contract addresses named by filter's
// entries. Topic0 narrowing is left to the caller-side EventFilter.Matches
// check inside each host, since a single FilterQuery's Topics slice can
// only express an AND-of-ORs shape that doesn't map cleanly onto an
// arbitrary (address, topic0) union.
func applyEntries(query *ethereum.FilterQuery, filter coordinator.EventFilter) {
	entries := filter.Entries()
	if len(entries) == 0 {
		return
	}
	seen := make(map[common.Address]struct{}, len(entries))
	addresses := make([]common.Address, 0, len(entries))
	for _, e := range entries {
		addr := common.HexToAddress(string(e.Address))
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		addresses = append(addresses, addr)
	}
	query.Addresses = addresses
}
