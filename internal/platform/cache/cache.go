// Package cache stores short-lived JSON snapshots in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by GetJSON when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Cache namespaces every key with a prefix. A nil *Cache always misses.
type Cache struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

func (c *Cache) GetJSON(ctx context.Context, key string, dst interface{}) error {
	if c == nil {
		return ErrMiss
	}
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("cache decode %s: %w", key, err)
	}
	return nil
}

func (c *Cache) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if c == nil || len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return errors.New("cache: not configured")
	}
	return c.client.Ping(ctx).Err()
}
