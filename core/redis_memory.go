package core

import (
	"context"
	"time"
)

// RedisMemoryStore implements Memory on top of RedisClient. Used for
// job records and injected tenant context in clustered deployments.
type RedisMemoryStore struct {
	client *RedisClient
}

// NewRedisMemoryStore wraps a Redis client as a Memory store
func NewRedisMemoryStore(client *RedisClient) *RedisMemoryStore {
	return &RedisMemoryStore{client: client}
}

func (r *RedisMemoryStore) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key)
}

func (r *RedisMemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl)
}

func (r *RedisMemoryStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key)
}

func (r *RedisMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	return r.client.Exists(ctx, key)
}
