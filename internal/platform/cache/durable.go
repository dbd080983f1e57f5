package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agatticelli/feedsync/internal/platform/storage"
)

// Namespace prefixes every key the cache writes to the durable store
const Namespace = "cache:"

// envelope is the L2 wire format
type envelope struct {
	Value    json.RawMessage `json:"value"`
	StoredAt int64           `json:"stored_at"` // unix ms
	TTLMs    int64           `json:"ttl_ms"`
}

// durableTier adapts a storage.Store to entries. Values come back as
// json.RawMessage; GetAs decodes them.
type durableTier struct {
	store storage.Store
}

func (d durableTier) get(ctx context.Context, key string) (Entry, error) {
	data, err := d.store.Get(ctx, Namespace+key)
	if err != nil {
		return Entry{}, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Entry{}, fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
	}

	return Entry{
		Key:      key,
		Value:    env.Value,
		StoredAt: time.UnixMilli(env.StoredAt),
		TTL:      time.Duration(env.TTLMs) * time.Millisecond,
	}, nil
}

func (d durableTier) set(ctx context.Context, e Entry) error {
	value, err := json.Marshal(e.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", e.Key, err)
	}

	data, err := json.Marshal(envelope{
		Value:    value,
		StoredAt: e.StoredAt.UnixMilli(),
		TTLMs:    e.TTL.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for %s: %w", e.Key, err)
	}

	return d.store.Set(ctx, Namespace+e.Key, data)
}

func (d durableTier) delete(ctx context.Context, key string) error {
	return d.store.Delete(ctx, Namespace+key)
}

// keys lists cache keys (without namespace) starting with prefix
func (d durableTier) keys(ctx context.Context, prefix string) ([]string, error) {
	raw, err := d.store.ListKeys(ctx, Namespace+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		out = append(out, strings.TrimPrefix(k, Namespace))
	}
	return out, nil
}
