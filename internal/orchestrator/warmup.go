package orchestrator

import (
	"context"

	"github.com/agatticelli/feedsync/internal/feed"
	"github.com/agatticelli/feedsync/internal/platform/cache"
)

// pageWarmer loads one filter set's first page into the cache
type pageWarmer struct {
	o       *Orchestrator
	filters feed.Filters
}

func (w pageWarmer) Name() string {
	return w.filters.Key()
}

func (w pageWarmer) Warmup(ctx context.Context) error {
	_, err := w.o.fetchCached(ctx, w.filters)
	return err
}

// WarmupProviders returns one cache warmup provider per configured filter set
func (o *Orchestrator) WarmupProviders() []cache.WarmupProvider {
	providers := make([]cache.WarmupProvider, 0, len(o.cfg.WarmupFilters))
	for _, f := range o.cfg.WarmupFilters {
		providers = append(providers, pageWarmer{o: o, filters: f.Clone()})
	}
	return providers
}
