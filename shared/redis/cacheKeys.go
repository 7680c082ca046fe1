package redis

import (
	"strings"
)

var (
	App     = "subgraphidx" // project code
	Env     = "dev"         // dev|stg|prod
	Version = "v1"          // schema version, bump to bust every key below at once
)

func join(parts ...string) string {
	return strings.Join(parts, ":")
}

func pfx() string {
	return join(App, Env, Version)
}

// NormalizeAddress lowercases a chain address so callers never have to
// worry about checksum-case mismatches producing distinct cache keys.
func NormalizeAddress(addr string) string { return strings.ToLower(addr) }

// NormalizeChainID lowercases a CAIP-2-style chain id; the reference part
// is left as-is since it is numeric for every chain this indexer targets.
func NormalizeChainID(chainID string) string { return strings.ToLower(chainID) }

// BlockKey is the cache key for one fetched block body, keyed by hash per
// the recent-block cache layout: TTL-less, capacity-bounded by eviction
// below head.number - D rather than by expiry.
func BlockKey(hash string) string {
	return join(pfx(), "block", NormalizeAddress(hash))
}

// HeadUpdatesChannel is the pub/sub channel the ingestor publishes to on
// every observed chain-tip change; the watcher's HeadBlockUpdates ranges
// over a subscription to this channel.
func HeadUpdatesChannel(chainID string) string {
	return join(pfx(), "chain", NormalizeChainID(chainID), "head", "updates")
}
