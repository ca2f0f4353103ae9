package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is a Redis-backed implementation of the Memory interface.
// It is the local_storage alternative of the storage fallback chain and the
// session memory backend when CONCLAVE_REDIS_URL is configured. Keys are
// namespaced under "conclave:memory:".
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisStoreOptions configures the Redis store
type RedisStoreOptions struct {
	RedisURL  string
	Namespace string
	Logger    Logger
}

// NewRedisStore creates a Redis-backed store and verifies connectivity
func NewRedisStore(ctx context.Context, opts RedisStoreOptions) (*RedisStore, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("%w: redis url", ErrMissingConfiguration)
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", ErrConnectionFailed, err)
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = "conclave:memory"
	}

	logger := opts.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	} else if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("conclave/core")
	}

	logger.Info("Redis session store connected", map[string]interface{}{
		"operation": "redis_store_init",
		"namespace": namespace,
	})

	return &RedisStore{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}, nil
}

func (r *RedisStore) key(key string) string {
	return r.namespace + ":" + key
}

// Get retrieves a value. Missing keys return "" with no error.
func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: redis get: %v", ErrRequestFailed, err)
	}
	return val, nil
}

// Set stores a value with optional TTL (ttl <= 0 means no expiry)
func (r *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", ErrRequestFailed, err)
	}
	return nil
}

// Delete removes a key
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", ErrRequestFailed, err)
	}
	return nil
}

// Exists reports whether the key is present
func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis exists: %v", ErrRequestFailed, err)
	}
	return n > 0, nil
}

// Close releases the underlying Redis connection pool
func (r *RedisStore) Close() error {
	return r.client.Close()
}
