// Package storage provides the durable local key-value tier (L2).
package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the key is absent
	ErrNotFound = errors.New("storage: key not found")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("storage: store closed")
)

// Store is a persistent byte store keyed by string. Implementations must be
// safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Options selects and configures a backend
type Options struct {
	Backend string // leveldb, sqlite, redis, memory
	Path    string

	RedisAddress   string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
}

// Open creates the backend named in opts
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "leveldb":
		return OpenLevelDB(opts.Path)
	case "sqlite":
		return OpenSQLite(ctx, opts.Path)
	case "redis":
		return NewRedisStore(ctx, RedisOptions{
			Address:   opts.RedisAddress,
			Password:  opts.RedisPassword,
			DB:        opts.RedisDB,
			KeyPrefix: opts.RedisKeyPrefix,
		})
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
