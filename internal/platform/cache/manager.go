package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agatticelli/feedsync/internal/platform/observability"
	"github.com/agatticelli/feedsync/internal/platform/storage"
)

// Config configures a Manager
type Config struct {
	L1MaxSize  int
	DefaultTTL time.Duration

	// SweepInterval runs Sweep periodically when > 0
	SweepInterval time.Duration
	// RetainStale keeps expired entries this long so stale-while-revalidate
	// still has something to serve
	RetainStale time.Duration
	// RefreshTimeout bounds a background revalidation
	RefreshTimeout time.Duration

	Now func() time.Time
}

// DefaultConfig returns the manager defaults
func DefaultConfig() Config {
	return Config{
		L1MaxSize:      1000,
		DefaultTTL:     5 * time.Minute,
		SweepInterval:  time.Minute,
		RetainStale:    5 * time.Minute,
		RefreshTimeout: 30 * time.Second,
	}
}

// Manager owns L1 and L2. It is the only writer of either tier.
type Manager struct {
	cfg     Config
	l1      *MemoryCache
	l2      *durableTier
	l3      QueryInvalidator
	logger  *observability.Logger
	metrics *observability.Metrics

	fetches    singleflight.Group
	mu         sync.Mutex
	refreshing map[string]struct{}
	wg         sync.WaitGroup

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewManager creates a Manager. store and l3 may be nil.
func NewManager(cfg Config, store storage.Store, l3 QueryInvalidator, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}
	if cfg.RetainStale < 0 {
		cfg.RetainStale = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	m := &Manager{
		cfg:        cfg,
		l1:         NewMemoryCache(cfg.L1MaxSize),
		l3:         l3,
		logger:     logger.WithComponent("cache"),
		metrics:    metrics,
		refreshing: make(map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
	if store != nil {
		m.l2 = &durableTier{store: store}
	}

	if cfg.SweepInterval > 0 {
		go m.janitor(cfg.SweepInterval)
	}

	return m
}

// SetQueryInvalidator attaches the L3 coordinator after construction
func (m *Manager) SetQueryInvalidator(l3 QueryInvalidator) {
	m.mu.Lock()
	m.l3 = l3
	m.mu.Unlock()
}

func (m *Manager) queryInvalidator() QueryInvalidator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.l3
}

// Get returns a fresh value from L1, else a fresh value from L2 (promoting it
// to L1). It never fetches from upstream.
func (m *Manager) Get(ctx context.Context, key string) (any, bool) {
	e, ok := m.getFresh(ctx, key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

func (m *Manager) getFresh(ctx context.Context, key string) (Entry, bool) {
	now := m.cfg.Now()

	if e, ok := m.l1.Get(key); ok && e.Fresh(now) {
		m.metrics.RecordCacheHit(ctx, LayerL1)
		return e, true
	}
	m.metrics.RecordCacheMiss(ctx, LayerL1)

	e, ok := m.readL2(ctx, key)
	if !ok || !e.Fresh(now) {
		m.metrics.RecordCacheMiss(ctx, LayerL2)
		return Entry{}, false
	}

	m.metrics.RecordCacheHit(ctx, LayerL2)
	m.l1.Set(e)
	return e, true
}

// Peek returns the entry at any age, L1 first. A stale L2 entry is not
// promoted.
func (m *Manager) Peek(ctx context.Context, key string) (Entry, bool) {
	if e, ok := m.l1.Get(key); ok {
		return e, true
	}
	return m.readL2(ctx, key)
}

func (m *Manager) readL2(ctx context.Context, key string) (Entry, bool) {
	if m.l2 == nil {
		return Entry{}, false
	}

	e, err := m.l2.get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.LogWarn(ctx, "durable cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return Entry{}, false
	}
	return e, true
}

// Set writes L1 and, when persistent, L2. L2 failures are logged and dropped.
func (m *Manager) Set(ctx context.Context, key string, value any, opts SetOptions) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	e := Entry{Key: key, Value: value, StoredAt: m.cfg.Now(), TTL: ttl}
	m.l1.Set(e)

	if opts.Persistent && m.l2 != nil {
		if err := m.l2.set(ctx, e); err != nil {
			m.logger.LogWarn(ctx, "durable cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
}

// Invalidate drops key from every tier
func (m *Manager) Invalidate(ctx context.Context, key string) {
	m.l1.Delete(key)

	if m.l2 != nil {
		if err := m.l2.delete(ctx, key); err != nil {
			m.logger.LogWarn(ctx, "durable cache delete failed", slog.String("key", key), slog.Any("error", err))
		}
	}

	if l3 := m.queryInvalidator(); l3 != nil {
		l3.InvalidateQueries(key)
	}
}

// InvalidatePrefix drops every key starting with prefix from every tier
func (m *Manager) InvalidatePrefix(ctx context.Context, prefix string) {
	m.l1.DeletePrefix(prefix)

	if m.l2 != nil {
		keys, err := m.l2.keys(ctx, prefix)
		if err != nil {
			m.logger.LogWarn(ctx, "durable cache list failed", slog.String("prefix", prefix), slog.Any("error", err))
		}
		for _, k := range keys {
			if err := m.l2.delete(ctx, k); err != nil {
				m.logger.LogWarn(ctx, "durable cache delete failed", slog.String("key", k), slog.Any("error", err))
			}
		}
	}

	if l3 := m.queryInvalidator(); l3 != nil {
		l3.InvalidatePrefix(prefix)
	}
}

// StaleWhileRevalidate returns any cached value at once, fresh or stale, and
// refreshes it in the background. Refresh errors are logged only. With
// nothing cached it fetches synchronously, stores and returns.
func (m *Manager) StaleWhileRevalidate(ctx context.Context, key string, fetch FetchFunc, opts SetOptions) (any, error) {
	e, ok := m.getFresh(ctx, key)
	if !ok {
		e, ok = m.Peek(ctx, key)
	}
	if ok {
		m.revalidate(ctx, key, fetch, opts)
		return e.Value, nil
	}

	return m.fetchAndStore(ctx, key, fetch, opts)
}

// Refresh fetches key synchronously and overwrites the cache
func (m *Manager) Refresh(ctx context.Context, key string, fetch FetchFunc, opts SetOptions) (any, error) {
	return m.fetchAndStore(ctx, key, fetch, opts)
}

func (m *Manager) fetchAndStore(ctx context.Context, key string, fetch FetchFunc, opts SetOptions) (any, error) {
	v, err, _ := m.fetches.Do(key, func() (any, error) {
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		m.Set(ctx, key, value, opts)
		return value, nil
	})
	return v, err
}

type revalidationKey struct{}

// IsRevalidation reports whether ctx belongs to a background refresh started
// by StaleWhileRevalidate. Fetch functions use it to stay quiet on failure.
func IsRevalidation(ctx context.Context) bool {
	v, _ := ctx.Value(revalidationKey{}).(bool)
	return v
}

// revalidate starts at most one background refresh per key
func (m *Manager) revalidate(ctx context.Context, key string, fetch FetchFunc, opts SetOptions) {
	m.mu.Lock()
	if _, busy := m.refreshing[key]; busy {
		m.mu.Unlock()
		return
	}
	m.refreshing[key] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	bgCtx := context.WithValue(context.WithoutCancel(ctx), revalidationKey{}, true)

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.refreshing, key)
			m.mu.Unlock()
		}()

		refreshCtx, cancel := context.WithTimeout(bgCtx, m.cfg.RefreshTimeout)
		defer cancel()

		_, err := m.fetchAndStore(refreshCtx, key, fetch, opts)
		m.metrics.RecordRevalidation(refreshCtx, err == nil)
		if err != nil {
			m.logger.LogWarn(refreshCtx, "background revalidation failed", slog.String("key", key), slog.Any("error", err))
			return
		}
		m.logger.LogDebug(refreshCtx, "revalidated", slog.String("key", key))
	}()
}

// Wait blocks until in-flight background refreshes finish
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Stats reports tier sizes
func (m *Manager) Stats(ctx context.Context) Stats {
	s := Stats{L1Size: m.l1.Len()}

	if m.l2 != nil {
		keys, err := m.l2.keys(ctx, "")
		if err != nil {
			m.logger.LogWarn(ctx, "durable cache list failed", slog.Any("error", err))
		}
		s.L2Size = len(keys)
	}

	if l3 := m.queryInvalidator(); l3 != nil {
		s.L3Size = l3.Size()
	}
	return s
}

// Sweep evicts entries past TTL plus RetainStale from L1 and L2
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.cfg.Now()
	removed := m.l1.Sweep(now, m.cfg.RetainStale)

	if m.l2 == nil {
		return removed, nil
	}

	keys, err := m.l2.keys(ctx, "")
	if err != nil {
		return removed, fmt.Errorf("list durable keys: %w", err)
	}

	for _, k := range keys {
		e, err := m.l2.get(ctx, k)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		// Undecodable envelopes are dropped too
		if err == nil && now.Before(e.StoredAt.Add(e.TTL+m.cfg.RetainStale)) {
			continue
		}
		if err := m.l2.delete(ctx, k); err != nil {
			return removed, fmt.Errorf("delete durable key %s: %w", k, err)
		}
		removed++
	}

	return removed, nil
}

func (m *Manager) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			n, err := m.Sweep(ctx)
			if err != nil {
				m.logger.LogWarn(ctx, "cache sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				m.logger.LogDebug(ctx, "cache sweep", slog.Int("evicted", n))
			}
		case <-m.stopCh:
			return
		}
	}
}

// Close stops the janitor and waits for background refreshes
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return nil
}

// GetAs is Get with a typed result. Values promoted from L2 arrive as JSON;
// they are decoded into T and the decoded value replaces the raw one in L1.
func GetAs[T any](ctx context.Context, m *Manager, key string) (T, bool) {
	var zero T

	e, ok := m.getFresh(ctx, key)
	if !ok {
		return zero, false
	}

	v, err := decode[T](e.Value)
	if err != nil {
		m.logger.LogWarn(ctx, "cached value has unexpected type", slog.String("key", key), slog.Any("error", err))
		return zero, false
	}

	if _, raw := e.Value.(json.RawMessage); raw {
		e.Value = v
		m.l1.Set(e)
	}
	return v, true
}

// StaleWhileRevalidateAs is the typed form of StaleWhileRevalidate
func StaleWhileRevalidateAs[T any](ctx context.Context, m *Manager, key string, fetch func(context.Context) (T, error), opts SetOptions) (T, error) {
	var zero T

	v, err := m.StaleWhileRevalidate(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, opts)
	if err != nil {
		return zero, err
	}

	out, err := decode[T](v)
	if err != nil {
		return zero, err
	}
	return out, nil
}

func decode[T any](v any) (T, error) {
	var zero T

	switch val := v.(type) {
	case T:
		return val, nil
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(val, &out); err != nil {
			return zero, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return out, nil
	default:
		return zero, fmt.Errorf("%w: have %T", ErrInvalidValue, v)
	}
}
