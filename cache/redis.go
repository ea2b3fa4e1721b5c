package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"example.com/payhub/services/ledger/config"
)

// RedisCache provides caching using Redis
type RedisCache struct {
	client  *redis.Client
	enabled bool
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.Config) (*RedisCache, error) {
	if !cfg.RedisEnabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{
		client:  client,
		enabled: true,
	}, nil
}

// Client exposes the underlying Redis client for adapters that need raw access
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Enabled reports whether the cache is usable
func (c *RedisCache) Enabled() bool {
	return c.enabled
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	if !c.enabled {
		return errors.New("cache is disabled")
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return errors.Wrap(err, "key not found in cache")
		}
		return errors.Wrap(err, "failed to get value from Redis")
	}

	if err := json.Unmarshal(data, value); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached value")
	}

	return nil
}

// Set stores a value in cache with optional expiration
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if !c.enabled {
		return errors.New("cache is disabled")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}

	if err := c.client.Set(ctx, key, data, expiration).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}

	return nil
}

// Delete removes a key from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if !c.enabled {
		return nil
	}
	return c.client.Del(ctx, key).Err()
}

// GetReplayCacheKey generates a cache key for replayed aggregate state
func GetReplayCacheKey(aggregateID string) string {
	return fmt.Sprintf("replay:%s", aggregateID)
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.enabled || c.client == nil {
		return nil
	}

	return c.client.Close()
}
