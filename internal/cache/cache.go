// Package cache wraps the shared Redis instance used for webhook
// deduplication, distributed job locks and the per-user plan cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"qrcloud/internal/config"
	"qrcloud/internal/types"
)

// Key prefixes shared by every process that touches the cache.
const (
	webhookEventPrefix = "webhook_event:"
	userPlanPrefix     = "user_plan:"
	cronLockPrefix     = "cron_lock:"
)

// WebhookEventKey is the dedup claim key of a provider event.
func WebhookEventKey(eventID string) string { return webhookEventPrefix + eventID }

// UserPlanKey is the plan cache key of a user.
func UserPlanKey(userID string) string { return userPlanPrefix + userID }

// CronLockKey is the lock key of a scheduled job.
func CronLockKey(job string) string { return cronLockPrefix + job }

// Connect parses cfg.URL, opens a client and pings it.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// Cache is a thin key-value facade over Redis. Every key is namespaced with
// the configured prefix so environments can share one instance.
type Cache struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Cache. prefix may be empty.
func New(client redis.UniversalClient, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(k string) string { return c.prefix + k }

// SetNX stores value under key only if the key does not exist. It reports
// whether the value was stored. The conditional write is a single SET NX EX
// round trip.
func (c *Cache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(key), value, ttl).Result()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalCache, "cache conditional set failed", err)
	}
	return ok, nil
}

// Get returns the value stored under key. found is false on a miss.
func (c *Cache) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	b, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.NewAppError(types.ErrCodeInternalCache, "cache get failed", err)
	}
	return b, true, nil
}

// Set stores value under key with a TTL. A zero TTL keeps the key forever.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, "cache set failed", err)
	}
	return nil
}

// Delete removes keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.key(k)
	}
	if err := c.client.Del(ctx, prefixed...).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, "cache delete failed", err)
	}
	return nil
}

// Ping checks connectivity for health probes.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
