// Package cache provides a small Redis-backed JSON cache used to keep
// concept lookups off the database during large imports.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL applies when a caller passes a non-positive TTL.
const DefaultTTL = 10 * time.Minute

// Cache wraps a redis client with key prefixing and JSON encoding. A
// disabled Cache is valid: reads always miss and writes are no-ops.
type Cache struct {
	client    *redis.Client
	keyPrefix string
	enabled   bool
}

// Config holds cache configuration.
type Config struct {
	URL       string // redis://[:password@]host:port/db
	KeyPrefix string
}

// New connects to Redis. An empty URL yields a disabled cache.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.URL == "" {
		return &Cache{enabled: false}, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ehrimport"
	}

	return &Cache{client: client, keyPrefix: prefix, enabled: true}, nil
}

// Disabled returns a cache that never stores anything.
func Disabled() *Cache { return &Cache{} }

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsEnabled returns whether caching is enabled.
func (c *Cache) IsEnabled() bool {
	return c.enabled
}

// Ping checks the Redis connection. A disabled cache is always reachable.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// IsMiss reports whether err signals an absent key.
func IsMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

func (c *Cache) key(parts ...string) string {
	return c.keyPrefix + ":" + strings.Join(parts, ":")
}

// Get decodes the value stored under key into dest. A miss returns redis.Nil.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	if !c.enabled {
		return redis.Nil
	}
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Set stores value under key with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

// Delete removes keys from the cache.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if !c.enabled || len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.client.Del(ctx, full...).Err()
}
