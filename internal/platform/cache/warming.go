package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agatticelli/feedsync/internal/platform/observability"
)

// WarmupProvider pre-populates the cache on startup. Warmup must be
// idempotent.
type WarmupProvider interface {
	Name() string
	Warmup(ctx context.Context) error
}

// WarmupConfig configures the cache warming behavior.
type WarmupConfig struct {
	// Timeout bounds the whole warmup
	Timeout time.Duration
	// ContinueOnError keeps going after a provider fails
	ContinueOnError bool
	// Parallel runs providers concurrently, at most MaxParallel at a time
	Parallel    bool
	MaxParallel int
}

// DefaultWarmupConfig returns defaults for cache warming.
func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{
		Timeout:         15 * time.Second,
		ContinueOnError: true,
		Parallel:        true,
		MaxParallel:     4,
	}
}

// WarmupResult contains the result of warming a single provider.
type WarmupResult struct {
	Provider string
	Duration time.Duration
	Err      error
}

// WarmupResults contains the aggregate results of cache warming.
type WarmupResults struct {
	Results   []WarmupResult
	TotalTime time.Duration
	Errors    int
}

// HasErrors returns true if any provider failed during warmup.
func (wr *WarmupResults) HasErrors() bool {
	return wr.Errors > 0
}

// Warmer runs registered providers.
type Warmer struct {
	mu        sync.Mutex
	providers []WarmupProvider
	logger    *observability.Logger
	config    WarmupConfig
}

// NewWarmer creates a new cache warmer.
func NewWarmer(logger *observability.Logger, config WarmupConfig) *Warmer {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultWarmupConfig().Timeout
	}
	return &Warmer{
		logger: logger.WithComponent("cache-warmer"),
		config: config,
	}
}

// RegisterProvider adds a warmup provider to the warmer.
func (w *Warmer) RegisterProvider(provider WarmupProvider) {
	w.mu.Lock()
	w.providers = append(w.providers, provider)
	w.mu.Unlock()
}

// Warmup executes all registered warmup providers.
func (w *Warmer) Warmup(ctx context.Context) *WarmupResults {
	start := time.Now()

	w.mu.Lock()
	providers := append([]WarmupProvider(nil), w.providers...)
	w.mu.Unlock()

	results := &WarmupResults{}
	if len(providers) == 0 {
		return results
	}

	warmupCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	if w.config.Parallel {
		results.Results = w.warmupParallel(warmupCtx, providers)
	} else {
		results.Results = w.warmupSequential(warmupCtx, providers)
	}

	for _, r := range results.Results {
		if r.Err != nil {
			results.Errors++
		}
	}
	results.TotalTime = time.Since(start)

	if results.Errors > 0 {
		w.logger.LogWarn(ctx, "cache warmup completed with errors",
			slog.Int("errors", results.Errors),
			slog.Int("providers", len(providers)),
			slog.Duration("took", results.TotalTime))
	} else {
		w.logger.LogInfo(ctx, "cache warmup completed",
			slog.Int("providers", len(providers)),
			slog.Duration("took", results.TotalTime))
	}

	return results
}

// warmupParallel keeps submission order in the results slice
func (w *Warmer) warmupParallel(ctx context.Context, providers []WarmupProvider) []WarmupResult {
	results := make([]WarmupResult, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	if w.config.MaxParallel > 0 {
		g.SetLimit(w.config.MaxParallel)
	}

	for i, provider := range providers {
		g.Go(func() error {
			results[i] = w.warmupProvider(gctx, provider)
			if results[i].Err != nil && !w.config.ContinueOnError {
				return results[i].Err
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (w *Warmer) warmupSequential(ctx context.Context, providers []WarmupProvider) []WarmupResult {
	results := make([]WarmupResult, 0, len(providers))

	for _, provider := range providers {
		result := w.warmupProvider(ctx, provider)
		results = append(results, result)

		if result.Err != nil && !w.config.ContinueOnError {
			break
		}
	}

	return results
}

func (w *Warmer) warmupProvider(ctx context.Context, provider WarmupProvider) WarmupResult {
	start := time.Now()
	name := provider.Name()

	err := provider.Warmup(ctx)
	duration := time.Since(start)

	if err != nil {
		w.logger.LogWarn(ctx, "cache warmup failed", slog.String("provider", name), slog.Any("error", err), slog.Duration("took", duration))
	} else {
		w.logger.LogDebug(ctx, "cache warmed", slog.String("provider", name), slog.Duration("took", duration))
	}

	return WarmupResult{
		Provider: name,
		Duration: duration,
		Err:      err,
	}
}
