package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisProvider implements Provider on top of go-redis.
type RedisProvider struct {
	client *redis.Client
}

// NewRedisProvider connects to redisURL and pings it so misconfiguration
// fails at startup rather than on the first job.
func NewRedisProvider(ctx context.Context, redisURL string) (*RedisProvider, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	return NewRedisProviderFromClient(ctx, redis.NewClient(opts))
}

// NewRedisProviderFromClient wraps an existing client
func NewRedisProviderFromClient(ctx context.Context, client *redis.Client) (*RedisProvider, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisProvider{client: client}, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *RedisProvider) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := p.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores bytes with the provided TTL (0 keeps the key forever).
func (p *RedisProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.client.Set(ctx, key, value, ttl).Err()
}

// Del removes key.
func (p *RedisProvider) Del(ctx context.Context, key string) error {
	return p.client.Del(ctx, key).Err()
}

// Close closes the underlying client.
func (p *RedisProvider) Close() error {
	return p.client.Close()
}
