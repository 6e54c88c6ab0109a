// Package core provides the Redis client abstraction shared by gateway
// components that keep distributed state (quota counters, job records).
//
// Database allocation:
// - DB 0: quota counters
// - DB 1: async job store
// - DB 2-15: available for extensions
//
// All keys are automatically prefixed with the client namespace, e.g.
// "modelgate:quota:*" and "modelgate:jobs:*", so components sharing a
// Redis instance cannot collide.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis DB assignments used by the gateway
const (
	RedisDBQuota = 0
	RedisDBJobs  = 1
)

// RedisClient provides a simplified Redis interface with DB isolation
// and key namespacing
type RedisClient struct {
	client    *redis.Client
	dbID      int
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client
type RedisClientOptions struct {
	RedisURL  string
	DB        int    // Redis DB number for isolation (0-15)
	Namespace string // Key namespace, e.g. "modelgate:quota"
	Logger    Logger
}

// NewRedisClient creates a new Redis client with specified options
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}

	opts.Logger.Debug("Initializing Redis client", map[string]interface{}{
		"redis_url": opts.RedisURL,
		"db":        opts.DB,
		"namespace": opts.Namespace,
	})

	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrMissingConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"error":     err.Error(),
			"redis_url": opts.RedisURL,
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	redisOpt.DB = opts.DB

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisClient{
		client:    client,
		dbID:      opts.DB,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}, nil
}

// NewRedisClientFromExisting wraps an already-connected go-redis client.
// Used by tests that back the client with miniredis.
func NewRedisClientFromExisting(client *redis.Client, namespace string, logger Logger) *RedisClient {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &RedisClient{client: client, namespace: namespace, logger: logger}
}

// Close releases the underlying connection pool
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Namespace returns the key namespace of this client
func (r *RedisClient) Namespace() string {
	return r.namespace
}

// formatKey applies the namespace prefix
func (r *RedisClient) formatKey(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

// Get retrieves a string value; missing keys return ""
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// Set stores a value with optional TTL (0 = no expiry)
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, r.formatKey(key), value, ttl).Err()
}

// Del removes keys
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	formatted := make([]string, len(keys))
	for i, k := range keys {
		formatted[i] = r.formatKey(k)
	}
	return r.client.Del(ctx, formatted...).Err()
}

// Exists reports whether the key is present
func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.formatKey(key)).Result()
	return n > 0, err
}

// IncrBy atomically adds value to the counter at key
func (r *RedisClient) IncrBy(ctx context.Context, key string, value int64) (int64, error) {
	return r.client.IncrBy(ctx, r.formatKey(key), value).Result()
}

// Expire sets a TTL on an existing key
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.formatKey(key), ttl).Err()
}

// TTL returns the remaining lifetime of a key
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, r.formatKey(key)).Result()
}

// Eval runs a Lua script against namespaced keys. Quota reservation
// uses this for its compare-and-add.
func (r *RedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	formatted := make([]string, len(keys))
	for i, k := range keys {
		formatted[i] = r.formatKey(k)
	}
	return r.client.Eval(ctx, script, formatted, args...).Result()
}

// HealthCheck verifies connectivity with a short ping
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
