// Package cache provides a Redis-backed side channel for cross-process
// signals that do not belong in the primary Postgres store: the live
// subscription-session gauge and a catalog-refresh pub/sub notice (spec §9's
// note that a multi-node deployment needs a shared session count and a way
// to tell sibling processes a market was added/retired). Single-node
// deployments can run without one: callers hold a nil *Cache and skip the
// calls. The methods themselves wrap a *redis.Client and require a non-nil
// Cache.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activeSessionsKey = "kirby:active_sessions"
	catalogRefreshKey = "kirby:catalog:refresh"
)

// Cache wraps a Redis connection used for cross-process coordination.
type Cache struct {
	client *redis.Client
}

// New connects to redisURL and verifies it with a ping. An empty redisURL
// is a configuration error for the caller to catch before calling New; this
// package has no opinion on whether Redis is required.
func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect to redis: %w", err)
	}
	return &Cache{client: client}, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// IncrActiveSessions increments the process-wide active session gauge,
// shared across every node fronting the live push wire.
func (c *Cache) IncrActiveSessions(ctx context.Context) error {
	return c.client.Incr(ctx, activeSessionsKey).Err()
}

// DecrActiveSessions decrements the gauge. Called from the same deferred
// path as IncrActiveSessions so the two always balance.
func (c *Cache) DecrActiveSessions(ctx context.Context) error {
	return c.client.Decr(ctx, activeSessionsKey).Err()
}

// ActiveSessionCount reads the cluster-wide session gauge.
func (c *Cache) ActiveSessionCount(ctx context.Context) (int64, error) {
	n, err := c.client.Get(ctx, activeSessionsKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// PublishCatalogRefresh notifies sibling processes that the configured
// market set changed and they should restart to pick up a fresh catalog
// (spec §4.2: a configuration change requires a supervisor restart).
func (c *Cache) PublishCatalogRefresh(ctx context.Context) error {
	return c.client.Publish(ctx, catalogRefreshKey, "1").Err()
}

// WatchCatalogRefresh subscribes to catalog-refresh notices. The returned
// channel is closed when ctx is cancelled.
func (c *Cache) WatchCatalogRefresh(ctx context.Context) <-chan struct{} {
	sub := c.client.Subscribe(ctx, catalogRefreshKey)
	out := make(chan struct{})
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
