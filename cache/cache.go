// Package cache implements the gateway's two-tier cache: an always-on local
// LRU+TTL tier, with an optional Redis tier for cross-instance sharing. Two
// named instances are built from it — the template cache and the execution
// cache — each with its own size and TTL.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache is the two-tier cache described by the data model's CacheEntry<T>:
// every Get/Set goes through the local tier first, falling back to (and
// backfilling from) the optional Redis tier.
type Cache struct {
	name   string
	local  *lru
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithRedis attaches a distributed tier. A nil client leaves the cache
// local-only.
func WithRedis(client *redis.Client) Option {
	return func(c *Cache) {
		c.redis = client
	}
}

// New builds a named two-tier cache with the given local capacity and TTL.
func New(name string, maxSize int, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		name:   name,
		local:  newLRU(maxSize, ttl),
		ttl:    ttl,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithLogger attaches a logger used for Redis-tier error reporting.
func (c *Cache) WithLogger(logger *zap.Logger) *Cache {
	if logger != nil {
		c.logger = logger.With(zap.String("cache", c.name))
	}
	return c
}

// Get returns the cached value for key, checking the local tier first and
// falling back to Redis (backfilling the local tier on a Redis hit).
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	if entry, ok := c.local.Get(key); ok {
		return entry.Value, true
	}

	if c.redis == nil {
		return nil, false
	}

	raw, err := c.redis.Get(ctx, c.redisKey(key)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		c.logger.Warn("redis value decode failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	c.local.Set(key, value)
	return value, true
}

// Set writes value to both tiers.
func (c *Cache) Set(ctx context.Context, key string, value any) {
	c.local.Set(key, value)

	if c.redis == nil {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("redis value encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.redis.Set(ctx, c.redisKey(key), data, c.ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.local.Delete(key)
	if c.redis != nil {
		if err := c.redis.Del(ctx, c.redisKey(key)).Err(); err != nil {
			c.logger.Warn("redis delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Stats returns the local tier's hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	return c.local.Stats()
}

func (c *Cache) redisKey(key string) string {
	return fmt.Sprintf("aiproxy:%s:%s", c.name, key)
}

// GenerateExecutionKey builds the deterministic key used by the execution
// cache: variables are stringified in sorted-key order so that argument
// order never affects the key, hashed into a 32-bit signed integer, and
// rendered in base36.
func GenerateExecutionKey(templateID string, vars map[string]any) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", vars[k])
		b.WriteByte('&')
	}

	hash := hash32(b.String())
	return fmt.Sprintf("exec_%s_%s", templateID, strconv.FormatInt(int64(hash), 36))
}

// hash32 computes a Java-String.hashCode-style 32-bit signed hash:
// h = 31*h + c, wrapping on int32 overflow.
func hash32(s string) int32 {
	var h int32
	for _, r := range s {
		h = 31*h + int32(r)
	}
	return h
}
