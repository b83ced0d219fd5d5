package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "rbac:version"

// DefaultCacheTTL bounds how long resolved decisions stay cached.
const DefaultCacheTTL = 24 * time.Hour

// Cache memoizes resolver decisions in Redis with versioning controls.
// Bumping the version is the logical full flush used for role, permission
// and assignment mutations; per-user entries can be deleted precisely.
// A nil client degrades every operation to a no-op so the resolver keeps
// working uncached.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper. A non-positive ttl falls back to
// DefaultCacheTTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// TTL exposes the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	if c == nil {
		return DefaultCacheTTL
	}
	return c.ttl
}

func (c *Cache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return ver, nil
}

// Key composes the versioned cache key for a decision. Without a backend
// the key is empty, which turns Get and Set into no-ops.
func (c *Cache) Key(ctx context.Context, userID int64, resource, action, fingerprint string) (string, error) {
	if c == nil || c.client == nil {
		return "", nil
	}
	ver, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("rbac:v%d:user:%d:%s:%s:%s", ver, userID, resource, action, fingerprint), nil
}

// Get returns a cached decision. ok is false on miss or when no cache
// backend is configured.
func (c *Cache) Get(ctx context.Context, key string) (value, ok bool, err error) {
	if c == nil || c.client == nil || key == "" {
		return false, false, nil
	}
	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return raw == "1", true, nil
}

// Set stores a decision with the configured TTL.
func (c *Cache) Set(ctx context.Context, key string, value bool) error {
	if c == nil || c.client == nil || key == "" {
		return nil
	}
	raw := "0"
	if value {
		raw = "1"
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// InvalidateUser deletes every cached decision for one user. Called when
// the user's role assignments change.
func (c *Cache) InvalidateUser(ctx context.Context, userID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.version(ctx)
	if err != nil {
		return err
	}
	pattern := fmt.Sprintf("rbac:v%d:user:%d:*", ver, userID)
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 128).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// InvalidateAll bumps the cache version, logically flushing every entry.
// Stale entries under old versions expire through their TTL.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Incr(ctx, cacheVersionKey).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}
