package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps items as plain redis strings, so several dApp
// backends can share one session store.
type RedisStorage struct {
	client *redis.Client
}

// OpenRedis connects to the redis server at url, e.g.
// redis://:password@localhost:6379/0.
func OpenRedis(ctx context.Context, url string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisStorage{client: client}, nil
}

// NewRedisStorage wraps an existing client.
func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

// SetItem implements Storage.
func (r *RedisStorage) SetItem(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

// GetItem implements Storage.
func (r *RedisStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// RemoveItem implements Storage.
func (r *RedisStorage) RemoveItem(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Close closes the client.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}
