// Package storage provides the device key-value storage that the session
// layer persists to.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/config"
)

// Well-known keys of the persisted session.
const (
	KeyToken = "auth.token"
	KeyUser  = "auth.user"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// KV is a small string key-value store. SetMany and Delete apply all of their
// keys or none of them.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	SetMany(ctx context.Context, entries map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Open returns the backend selected by cfg.
func Open(cfg config.StoreConfig) (KV, error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return NewMemoryStore(), nil
	case config.StoreFile, "":
		return NewFileStore(cfg.Path, cfg.Passphrase)
	case config.StoreRedis:
		return NewRedisStore(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
