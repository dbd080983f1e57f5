// Package orchestrator is the feed facade used by the presentation layer:
// it loads pages through the tiered cache, tracks the viewer's position,
// drives preloading and forwards swipes to the action engine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/feedsync/internal/action"
	"github.com/agatticelli/feedsync/internal/events"
	"github.com/agatticelli/feedsync/internal/failure"
	"github.com/agatticelli/feedsync/internal/feed"
	"github.com/agatticelli/feedsync/internal/platform/cache"
	"github.com/agatticelli/feedsync/internal/platform/observability"
	"github.com/agatticelli/feedsync/internal/prefetch"
	"github.com/agatticelli/feedsync/internal/query"
	"github.com/agatticelli/feedsync/internal/remote"
)

// OpFetchFeed is the failure-handler operation name for page loads
const OpFetchFeed = "fetch-feed"

var (
	// ErrNoItem is returned by Swipe when the position is past the last item
	ErrNoItem = errors.New("no item at current position")
	// ErrNotLoaded is returned before the first Load
	ErrNotLoaded = errors.New("feed not loaded")
)

// Remote is the part of the remote service the orchestrator reads from
type Remote interface {
	FetchPage(ctx context.Context, filters feed.Filters) (remote.Page, error)
	FetchMedia(ctx context.Context, urls []string) error
}

// Config holds orchestrator settings
type Config struct {
	// ActorID is sent with every swipe
	ActorID string
	// FeedTTL is how long a cached page is fresh
	FeedTTL time.Duration
	// Persistent also writes pages to the durable tier
	Persistent bool
	// WarmupFilters are loaded into the cache at startup
	WarmupFilters []feed.Filters

	Prefetch prefetch.Config
}

// Deps are the collaborators built by the caller
type Deps struct {
	Cache    *cache.Manager
	Queries  *query.Client
	Remote   Remote
	Failures *failure.Handler
	Actions  *action.Engine
	Bus      *events.Bus
	Gate     *prefetch.IdleGate

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// View is what the presentation layer renders
type View struct {
	Key          string             `json:"key"`
	Items        []feed.Item        `json:"items"`
	CurrentIndex int                `json:"currentIndex"`
	IsLoading    bool               `json:"isLoading"`
	HasMore      bool               `json:"hasMore"`
	Error        *failure.FeedError `json:"error,omitempty"`
	Message      string             `json:"message,omitempty"`
	LastMatch    *action.Match      `json:"lastMatch,omitempty"`
}

// Stats is the diagnostic snapshot served by /feed/stats
type Stats struct {
	Cache         cache.Stats       `json:"cache"`
	Prefetch      prefetch.Snapshot `json:"prefetch"`
	FailedActions int               `json:"failedActions"`
	Errors        int               `json:"errors"`
	Passed        int               `json:"passed"`
}

// Orchestrator owns the loaded feed for one session
type Orchestrator struct {
	cfg       Config
	cache     *cache.Manager
	queries   *query.Client
	remote    Remote
	failures  *failure.Handler
	actions   *action.Engine
	scheduler *prefetch.Scheduler
	gate      *prefetch.IdleGate
	bus       *events.Bus
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    observability.Tracer

	mu      sync.Mutex
	loaded  bool
	filters feed.Filters
	key     string
	items   []feed.Item
	seen    map[string]bool
	index   int
	page    int
	hasMore bool
	loading bool
	loadSeq uint64
	passed  map[string]bool

	sub  *events.Subscription
	done chan struct{}
}

// New wires the orchestrator and starts its preload scheduler
func New(ctx context.Context, cfg Config, deps Deps) *Orchestrator {
	if cfg.FeedTTL <= 0 {
		cfg.FeedTTL = time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.NewNoopTracer()
	}
	if deps.Gate == nil {
		deps.Gate = prefetch.NewIdleGate()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}

	o := &Orchestrator{
		cfg:      cfg,
		cache:    deps.Cache,
		queries:  deps.Queries,
		remote:   deps.Remote,
		failures: deps.Failures,
		actions:  deps.Actions,
		gate:     deps.Gate,
		bus:      deps.Bus,
		logger:   deps.Logger.WithComponent("orchestrator"),
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		seen:     make(map[string]bool),
		passed:   make(map[string]bool),
		done:     make(chan struct{}),
	}
	o.scheduler = prefetch.NewScheduler(ctx, cfg.Prefetch, o.preload, deps.Gate, deps.Bus, deps.Logger, deps.Metrics)

	o.sub = deps.Bus.Subscribe(64, events.ActionFailed)
	go o.watchActions()

	return o
}

// Load resolves the page for filters through the cache, replaces the feed
// and resets the position. A failed load keeps the previous items.
func (o *Orchestrator) Load(ctx context.Context, filters feed.Filters) (View, error) {
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.Load")
	defer span.End()

	filters = filters.Clone()
	key := filters.Key()
	span.SetAttributes(attribute.String("feed.key", key))

	o.mu.Lock()
	o.loadSeq++
	seq := o.loadSeq
	o.loading = true
	o.mu.Unlock()

	page, err := o.fetchCached(ctx, filters)

	o.mu.Lock()
	if seq != o.loadSeq {
		// A newer Load owns the state
		o.mu.Unlock()
		return o.View(), err
	}
	o.loading = false
	if err != nil {
		o.mu.Unlock()
		span.NoticeError(err)
		o.logger.LogError(ctx, "feed load failed", err, "key", key)
		return o.View(), err
	}

	o.loaded = true
	o.filters = filters
	o.key = key
	o.items = nil
	clear(o.seen)
	o.index = 0
	o.page = pageNumber(page, filters)
	o.hasMore = page.HasMore()
	o.appendLocked(page.Items)
	o.mergePrefetchedLocked(ctx)
	count := len(o.items)
	pageNum := o.page
	o.mu.Unlock()

	o.scheduler.ClearPreloads()
	o.scheduler.RegisterPosition(ctx, 0, count)

	o.bus.Publish(events.Event{Type: events.FeedLoaded, Index: count})
	o.logger.LogInfo(ctx, "feed loaded", "key", key, "items", count, "page", pageNum)
	span.SetAttribute("feed.items", count)

	return o.View(), nil
}

// View returns the current presentation state
func (o *Orchestrator) View() View {
	o.mu.Lock()
	v := View{
		Key:          o.key,
		Items:        append([]feed.Item(nil), o.items...),
		CurrentIndex: o.index,
		IsLoading:    o.loading,
		HasMore:      o.hasMore,
	}
	o.mu.Unlock()

	if fe, ok := o.failures.Current(); ok {
		v.Error = &fe
		v.Message = fe.UserMessage
	}
	if m, ok := o.actions.LastMatch(); ok {
		v.LastMatch = &m
	}
	return v
}

// RegisterPosition records the viewer's index and lets the scheduler preload
func (o *Orchestrator) RegisterPosition(ctx context.Context, index int) []int {
	o.mu.Lock()
	if index < 0 {
		index = 0
	}
	if index > len(o.items) {
		index = len(o.items)
	}
	o.index = index
	total := len(o.items)
	o.mu.Unlock()

	return o.scheduler.RegisterPosition(ctx, index, total)
}

// Swipe acts on the item at the current index and advances past it. The
// index is restored if the action later fails.
func (o *Orchestrator) Swipe(ctx context.Context, kind feed.Action) (action.Pending, error) {
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.Swipe")
	defer span.End()

	o.gate.BeginInteraction()
	defer o.gate.EndInteraction()

	o.mu.Lock()
	if !o.loaded {
		o.mu.Unlock()
		return action.Pending{}, ErrNotLoaded
	}
	if o.index >= len(o.items) {
		o.mu.Unlock()
		return action.Pending{}, ErrNoItem
	}
	pos := o.index
	item := o.items[pos]
	o.index++
	o.mu.Unlock()

	span.SetAttributes(
		attribute.String("subject.id", item.ID),
		attribute.String("action", string(kind)),
	)

	p, err := o.actions.Swipe(ctx, action.SwipeRequest{
		ActorID:   o.cfg.ActorID,
		SubjectID: item.ID,
		Kind:      kind,
		Position:  pos,
	})
	if err != nil {
		o.mu.Lock()
		if o.index == pos+1 {
			o.index = pos
		}
		o.mu.Unlock()
		span.NoticeError(err)
		return action.Pending{}, err
	}

	if kind == feed.ActionPass {
		o.mu.Lock()
		o.passed[item.ID] = true
		o.mu.Unlock()
	}

	o.mu.Lock()
	index, total := o.index, len(o.items)
	o.mu.Unlock()
	o.scheduler.RegisterPosition(ctx, index, total)

	return p, nil
}

// RetryAction re-issues a failed swipe
func (o *Orchestrator) RetryAction(ctx context.Context, subjectID string) (action.Pending, error) {
	return o.actions.RetryAction(ctx, subjectID)
}

// Retry re-runs the last failed operation. A failed page load is retried by
// loading the current filters again so the feed state is updated. A failed
// swipe goes back through the action engine so the subject's state follows.
func (o *Orchestrator) Retry(ctx context.Context) error {
	fe, ok := o.failures.Current()
	switch {
	case ok && fe.Op == OpFetchFeed:
		o.mu.Lock()
		filters := o.filters
		o.mu.Unlock()
		_, err := o.Load(ctx, filters)
		return err
	case ok && fe.Op == action.OpSwipe && fe.SubjectID != "":
		_, err := o.actions.RetryAction(ctx, fe.SubjectID)
		return err
	}
	return o.failures.Retry(ctx)
}

// Refresh drops every cached feed page and loads the current filters again
func (o *Orchestrator) Refresh(ctx context.Context) (View, error) {
	o.mu.Lock()
	filters := o.filters
	o.mu.Unlock()

	o.cache.InvalidatePrefix(ctx, feed.KeyPrefix)
	return o.Load(ctx, filters)
}

// Stats returns a diagnostic snapshot
func (o *Orchestrator) Stats(ctx context.Context) Stats {
	o.mu.Lock()
	passed := len(o.passed)
	o.mu.Unlock()

	return Stats{
		Cache:         o.cache.Stats(ctx),
		Prefetch:      o.scheduler.Snapshot(),
		FailedActions: len(o.actions.Failed()),
		Errors:        len(o.failures.History()),
		Passed:        passed,
	}
}

// Scheduler exposes the preload scheduler
func (o *Orchestrator) Scheduler() *prefetch.Scheduler {
	return o.scheduler
}

// Close stops preloading and the action watcher
func (o *Orchestrator) Close() {
	o.sub.Unsubscribe()
	<-o.done
	o.scheduler.Close()
}

// fetchCached serves the page from L1/L2, falling back to the query
// coordinator under the shared retry policy. Background revalidation skips
// that policy so its failures never become the current error.
func (o *Orchestrator) fetchCached(ctx context.Context, filters feed.Filters) (remote.Page, error) {
	return cache.StaleWhileRevalidateAs(ctx, o.cache, filters.Key(), func(ctx context.Context) (remote.Page, error) {
		// The caller already has a value; a failed refresh is logged by the cache only
		if cache.IsRevalidation(ctx) {
			return o.queryPage(ctx, filters)
		}
		return failure.ExecuteWithRetryResult(ctx, o.failures, OpFetchFeed, func(ctx context.Context) (remote.Page, error) {
			return o.queryPage(ctx, filters)
		})
	}, cache.SetOptions{TTL: o.cfg.FeedTTL, Persistent: o.cfg.Persistent})
}

func (o *Orchestrator) queryPage(ctx context.Context, filters feed.Filters) (remote.Page, error) {
	return query.QueryAs(ctx, o.queries, filters.Key(), func(ctx context.Context) (remote.Page, error) {
		return o.remote.FetchPage(ctx, filters)
	})
}

// appendLocked adds items not yet in the feed and not passed this session
func (o *Orchestrator) appendLocked(items []feed.Item) int {
	added := 0
	for _, it := range items {
		if o.seen[it.ID] || o.passed[it.ID] {
			continue
		}
		o.seen[it.ID] = true
		o.items = append(o.items, it)
		added++
	}
	return added
}

// mergePrefetchedLocked appends later pages already held by the coordinator
func (o *Orchestrator) mergePrefetchedLocked(ctx context.Context) {
	for o.hasMore {
		v, ok := o.queries.GetQueryData(o.filters.WithPage(o.page + 1).Key())
		if !ok {
			return
		}
		next, ok := v.(remote.Page)
		if !ok {
			return
		}
		o.page = pageNumber(next, o.filters.WithPage(o.page+1))
		o.hasMore = next.HasMore()
		added := o.appendLocked(next.Items)
		o.logger.LogDebug(ctx, "merged prefetched page", "page", o.page, "added", added)
	}
}

// preload is the scheduler's task body: warm the target's media and, near
// the end of the list, prefetch the next page.
func (o *Orchestrator) preload(ctx context.Context, index int) error {
	o.mu.Lock()
	var photos []string
	if index < len(o.items) {
		photos = o.items[index].Photos
	}
	nearEnd := index >= len(o.items)-o.prefetchAhead()
	hasMore := o.hasMore
	filters := o.filters
	page := o.page
	key := o.key
	o.mu.Unlock()

	if len(photos) > 0 {
		if err := o.remote.FetchMedia(ctx, photos); err != nil {
			return fmt.Errorf("preload media for index %d: %w", index, err)
		}
	}

	if !nearEnd || !hasMore || filters == nil {
		return nil
	}

	next := filters.WithPage(page + 1)
	err := o.queries.PrefetchQuery(ctx, next.Key(), func(ctx context.Context) (any, error) {
		return o.remote.FetchPage(ctx, next)
	})
	if err != nil {
		return fmt.Errorf("prefetch page %d: %w", page+1, err)
	}

	o.mu.Lock()
	if o.key == key && o.page == page {
		before := len(o.items)
		o.mergePrefetchedLocked(ctx)
		if added := len(o.items) - before; added > 0 {
			o.logger.LogInfo(ctx, "appended next page", "key", key, "page", o.page, "added", added)
		}
	}
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) prefetchAhead() int {
	if o.cfg.Prefetch.PreloadAhead > 0 {
		return o.cfg.Prefetch.PreloadAhead
	}
	return prefetch.DefaultConfig().PreloadAhead
}

// watchActions restores the position when an action for the item just
// swiped fails.
func (o *Orchestrator) watchActions() {
	defer close(o.done)

	for ev := range o.sub.C() {
		if ev.Type != events.ActionFailed {
			continue
		}
		o.mu.Lock()
		if ev.Index >= 0 && ev.Index < len(o.items) && o.items[ev.Index].ID == ev.SubjectID && o.index > ev.Index {
			o.index = ev.Index
			delete(o.passed, ev.SubjectID)
			o.logger.LogInfo(context.Background(), "rolled back position", "subject_id", ev.SubjectID, "index", ev.Index)
		}
		o.mu.Unlock()
	}
}

func pageNumber(p remote.Page, filters feed.Filters) int {
	if p.Page > 0 {
		return p.Page
	}
	return filters.Page()
}
