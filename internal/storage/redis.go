package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "reuse:".
	Prefix string
	// Client overrides Addr/Password/DB when set.
	Client *redis.Client
}

// RedisStore persists entries in Redis, for clients that share a session
// between processes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. The connection is established
// lazily by the redis client.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := cfg.Client
	if client == nil {
		if cfg.Addr == "" {
			return nil, fmt.Errorf("storage: redis addr is required")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	return &RedisStore{client: client, prefix: cfg.Prefix}, nil
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

// Get returns the value stored under key.
func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// SetMany writes all entries in one MULTI/EXEC transaction.
func (r *RedisStore) SetMany(ctx context.Context, entries map[string]string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			pipe.Set(ctx, r.key(k), v, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes keys with a single DEL.
func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.key(k)
	}
	if err := r.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
