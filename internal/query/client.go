// Package query is the remote query coordinator (L3): it caches responses of
// remote fetches by key, tracks their staleness and shares in-flight fetches.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/agatticelli/feedsync/internal/platform/observability"
	"github.com/agatticelli/feedsync/internal/platform/resilience"
)

// FetchFunc loads the value for a key from the remote service
type FetchFunc func(ctx context.Context) (any, error)

// Config configures the coordinator
type Config struct {
	// StaleTime is how long a response is served without refetching
	StaleTime time.Duration
	// GCTime is how long an unused response is kept at all
	GCTime time.Duration
	// Retries after the first failed attempt
	Retries int
	Backoff resilience.Backoff
	// Retryable decides whether a failure is worth another attempt
	Retryable func(error) bool

	Now func() time.Time
}

// DefaultConfig returns staleTime 1m, gcTime 5m and two retries
func DefaultConfig() Config {
	return Config{
		StaleTime: time.Minute,
		GCTime:    5 * time.Minute,
		Retries:   2,
		Backoff: resilience.Backoff{
			Base: time.Second,
			Max:  30 * time.Second,
			Mode: resilience.Exponential,
		},
		Retryable: resilience.IsRetryable,
	}
}

type response struct {
	value     any
	updatedAt time.Time
}

// Client caches query responses
type Client struct {
	cfg     Config
	cache   *gocache.Cache
	flight  singleflight.Group
	logger  *observability.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	generations map[string]uint64
	// prefixes holds the epoch of the latest InvalidatePrefix per prefix
	prefixes map[string]uint64
	epoch    uint64
}

// snapshot is the invalidation state a fetch started under
type snapshot struct {
	gen   uint64
	epoch uint64
}

// New creates a coordinator
func New(cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Client {
	def := DefaultConfig()
	if cfg.StaleTime < 0 {
		cfg.StaleTime = 0
	}
	if cfg.GCTime <= 0 {
		cfg.GCTime = def.GCTime
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Retryable == nil {
		cfg.Retryable = def.Retryable
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &Client{
		cfg:         cfg,
		cache:       gocache.New(cfg.GCTime, cfg.GCTime/2),
		logger:      logger.WithComponent("query"),
		metrics:     metrics,
		generations: make(map[string]uint64),
		prefixes:    make(map[string]uint64),
	}
}

// Query returns the cached response when younger than StaleTime, otherwise
// fetches it. Concurrent callers of the same key share one fetch.
func (c *Client) Query(ctx context.Context, key string, fetch FetchFunc) (any, error) {
	if r, ok := c.lookup(key); ok && c.cfg.Now().Sub(r.updatedAt) < c.cfg.StaleTime {
		c.metrics.RecordQuery(ctx, "fresh")
		return r.value, nil
	}

	v, err, shared := c.flight.Do(key, func() (any, error) {
		return c.fetch(ctx, key, fetch)
	})
	if shared {
		c.metrics.RecordQuery(ctx, "shared")
	}
	return v, err
}

// PrefetchQuery warms key unless a fresh response is already cached
func (c *Client) PrefetchQuery(ctx context.Context, key string, fetch FetchFunc) error {
	_, err := c.Query(ctx, key, fetch)
	if err != nil {
		c.logger.LogDebug(ctx, "prefetch failed", slog.String("key", key), slog.Any("error", err))
	}
	return err
}

func (c *Client) fetch(ctx context.Context, key string, fetch FetchFunc) (any, error) {
	start := c.snapshot(key)

	retryCfg := resilience.RetryConfig{
		MaxAttempts: c.cfg.Retries + 1,
		Backoff:     c.cfg.Backoff,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.logger.LogDebug(ctx, "query retry",
				slog.String("key", key),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err))
		},
	}

	v, err := resilience.RetryIfWithResult(ctx, retryCfg, c.cfg.Retryable, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		c.metrics.RecordQuery(ctx, "error")
		return nil, fmt.Errorf("query %s: %w", key, err)
	}

	// An invalidation during the fetch means this result may predate it
	if !c.invalidatedSince(key, start) {
		c.store(key, v)
	}
	c.metrics.RecordQuery(ctx, "fetched")
	return v, nil
}

// SetQueryData writes a response directly
func (c *Client) SetQueryData(key string, value any) {
	c.store(key, value)
}

// GetQueryData returns the cached response at any staleness
func (c *Client) GetQueryData(key string) (any, bool) {
	r, ok := c.lookup(key)
	if !ok {
		return nil, false
	}
	return r.value, true
}

// InvalidateQueries drops the response for key
func (c *Client) InvalidateQueries(key string) {
	c.bump(key)
	c.cache.Delete(key)
}

// InvalidatePrefix drops every response whose key starts with prefix,
// including ones still being fetched
func (c *Client) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	c.epoch++
	c.prefixes[prefix] = c.epoch
	c.mu.Unlock()

	for key := range c.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			c.InvalidateQueries(key)
		}
	}
}

// Size returns the number of cached responses
func (c *Client) Size() int {
	return c.cache.ItemCount()
}

func (c *Client) lookup(key string) (response, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return response{}, false
	}
	r, ok := v.(response)
	return r, ok
}

func (c *Client) store(key string, value any) {
	c.cache.Set(key, response{value: value, updatedAt: c.cfg.Now()}, gocache.DefaultExpiration)
}

func (c *Client) snapshot(key string) snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot{gen: c.generations[key], epoch: c.epoch}
}

// invalidatedSince reports whether key was invalidated, directly or by
// prefix, after m was taken
func (c *Client) invalidatedSince(key string, m snapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[key] != m.gen {
		return true
	}
	if c.epoch == m.epoch {
		return false
	}
	for prefix, at := range c.prefixes {
		if at > m.epoch && strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (c *Client) bump(key string) {
	c.mu.Lock()
	c.generations[key]++
	c.mu.Unlock()
}

// QueryAs is Query with a typed result
func QueryAs[T any](ctx context.Context, c *Client, key string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.Query(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("query %s: cached %T, want %T", key, v, zero)
	}
	return out, nil
}
