// Package redis wraps the Redis connection backing the recent-block cache
// and the head-update pub/sub channel, and defines the key namespace both
// the cache and the ingestor publishing into it must agree on.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the block cache.
type RedisConfig struct {
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
}

// Redis wraps one client shared by the block cache's reads, writes, and
// head-update subscription.
type Redis struct {
	conn *redis.Client
}

// NewRedis builds a client; connectivity is verified via HealthCheck.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	conn := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Redis{conn: conn}, nil
}

// HealthCheck pings the server.
func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.conn.Ping(ctx).Err()
}

// GetClient exposes the underlying client for pub/sub use.
func (r *Redis) GetClient() *redis.Client {
	return r.conn
}

// Get retrieves a value; a missing key returns redis.Nil.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	return r.conn.Get(ctx, key).Result()
}

// Set stores a value. A zero expiration means no expiry, which is what the
// block cache wants: entries are evicted by depth, not by time.
func (r *Redis) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return r.conn.Set(ctx, key, value, expiration).Err()
}

// Delete removes keys; the ingestor uses it to evict block bodies that
// have fallen more than the reorg threshold behind head.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	return r.conn.Del(ctx, keys...).Err()
}

// Close closes the connection.
func (r *Redis) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
