package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agatticelli/feedsync/internal/action"
	"github.com/agatticelli/feedsync/internal/events"
	"github.com/agatticelli/feedsync/internal/failure"
	"github.com/agatticelli/feedsync/internal/feed"
	"github.com/agatticelli/feedsync/internal/notification"
	"github.com/agatticelli/feedsync/internal/orchestrator"
	"github.com/agatticelli/feedsync/internal/platform/aws"
	"github.com/agatticelli/feedsync/internal/platform/cache"
	"github.com/agatticelli/feedsync/internal/platform/config"
	"github.com/agatticelli/feedsync/internal/platform/observability"
	"github.com/agatticelli/feedsync/internal/platform/resilience"
	"github.com/agatticelli/feedsync/internal/platform/storage"
	"github.com/agatticelli/feedsync/internal/prefetch"
	"github.com/agatticelli/feedsync/internal/query"
	"github.com/agatticelli/feedsync/internal/remote"
)

// app holds every component of one running session
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracing *observability.TracerProvider

	store     storage.Store
	bus       *events.Bus
	queries   *query.Client
	cache     *cache.Manager
	failures  *failure.Handler
	remote    *remote.Client
	actions   *action.Engine
	orch      *orchestrator.Orchestrator
	forwarder *notification.Forwarder
}

func storageOptions(cfg *config.Config) storage.Options {
	return storage.Options{
		Backend:        cfg.Storage.Backend,
		Path:           cfg.Storage.Path,
		RedisAddress:   cfg.Redis.Address,
		RedisPassword:  cfg.Redis.Password,
		RedisDB:        cfg.Redis.DB,
		RedisKeyPrefix: cfg.Redis.KeyPrefix,
	}
}

// newApp wires components in dependency order: observability first, then
// storage, the cache tiers, the remote client and the feed logic on top.
func newApp(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	metrics, err := observability.NewMetrics(cfg.Observability.ServiceName, cfg.Observability.Metrics.Enabled, metricsEndpoint(cfg))
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	a.metrics = metrics

	a.tracing, err = observability.NewTracerProvider(ctx, observability.TracingConfig{
		ServiceName: cfg.Observability.ServiceName,
		Environment: cfg.Observability.Environment,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRatio: cfg.Observability.Tracing.SampleRatio,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		_ = metrics.Shutdown(ctx)
		return nil, fmt.Errorf("create tracer: %w", err)
	}
	tracer := a.tracing.Tracer()

	a.store, err = storage.Open(ctx, storageOptions(cfg))
	if err != nil {
		_ = a.tracing.Shutdown(ctx)
		_ = metrics.Shutdown(ctx)
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.bus = events.NewBus()

	qcfg := query.DefaultConfig()
	qcfg.StaleTime = cfg.Query.StaleTime
	qcfg.GCTime = cfg.Query.GCTime
	qcfg.Retries = cfg.Query.Retries
	qcfg.Retryable = failure.Retryable
	a.queries = query.New(qcfg, logger, metrics)

	ccfg := cache.DefaultConfig()
	ccfg.L1MaxSize = cfg.Cache.L1MaxSize
	ccfg.DefaultTTL = cfg.Cache.DefaultTTL
	ccfg.SweepInterval = cfg.Cache.SweepInterval
	a.cache = cache.NewManager(ccfg, a.store, a.queries, logger, metrics)

	a.failures = failure.NewHandler(failure.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		Backoff: resilience.Backoff{
			Base: cfg.Retry.BaseDelay,
			Max:  cfg.Retry.MaxDelay,
			Mode: resilience.ParseBackoffMode(cfg.Retry.Mode),
		},
		HistorySize: cfg.Retry.HistorySize,
	}, a.bus, logger, metrics)

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "remote",
		FailureThreshold: cfg.Remote.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.Remote.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.Remote.CircuitBreaker.Timeout,
		CountsAsFailure:  remote.CountsAsFailure,
		OnStateChange: func(from, to resilience.State) {
			logger.Info("remote circuit breaker state changed", "from", from.String(), "to", to.String())
			metrics.SetCircuitBreakerState(context.Background(), "remote", int64(to))
		},
	})

	a.remote, err = remote.NewClient(remote.Config{
		BaseURL:           cfg.Remote.BaseURL,
		AuthToken:         cfg.Session.AuthToken,
		Timeout:           cfg.Remote.Timeout,
		MediaConcurrency:  cfg.Remote.MediaConcurrency,
		RequestsPerSecond: cfg.Remote.RateLimit.RequestsPerSecond,
		Burst:             cfg.Remote.RateLimit.Burst,
		CircuitBreaker:    breaker,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            tracer,
	})
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("create remote client: %w", err)
	}

	a.actions = action.NewEngine(action.Config{
		MaxRetries:    cfg.Action.MaxRetries,
		DisplayWindow: cfg.Action.DisplayWindow,
	}, a.remote, a.failures, a.cache, a.bus, logger, metrics)

	warmFilters := make([]feed.Filters, 0, len(cfg.Warmup.Filters))
	for _, f := range cfg.Warmup.Filters {
		warmFilters = append(warmFilters, feed.FiltersFromMap(f))
	}

	a.orch = orchestrator.New(ctx, orchestrator.Config{
		ActorID:       cfg.Session.ActorID,
		FeedTTL:       cfg.Cache.FeedTTL,
		Persistent:    cfg.Storage.Backend != "memory",
		WarmupFilters: warmFilters,
		Prefetch: prefetch.Config{
			MaxConcurrent: cfg.Prefetch.MaxConcurrent,
			PreloadAhead:  cfg.Prefetch.PreloadAhead,
			Threshold:     cfg.Prefetch.Threshold,
			MinRemaining:  cfg.Prefetch.MinRemaining,
		},
	}, orchestrator.Deps{
		Cache:    a.cache,
		Queries:  a.queries,
		Remote:   a.remote,
		Failures: a.failures,
		Actions:  a.actions,
		Bus:      a.bus,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})

	publisher, err := newMatchPublisher(ctx, cfg, logger, metrics, tracer)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.forwarder = notification.NewForwarder(ctx, a.bus, publisher, logger)

	return a, nil
}

func newMatchPublisher(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, tracer observability.Tracer) (notification.MatchPublisher, error) {
	if !cfg.AWS.Enabled {
		logger.Info("SNS disabled, matches are only logged")
		return notification.NewNoOpPublisher(logger), nil
	}

	awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{
		Region:   cfg.AWS.Region,
		Endpoint: cfg.AWS.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	snsClient := aws.NewSNSClient(aws.SNSClientConfig{
		AWSConfig: awsCfg,
		Logger:    logger,
		Metrics:   metrics,
	})

	publisher, err := notification.NewPublisher(notification.PublisherConfig{
		SNSClient: snsClient,
		TopicARN:  cfg.AWS.SNSTopicARN,
		Logger:    logger,
		Tracer:    tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("create match publisher: %w", err)
	}
	return publisher, nil
}

// warmup loads the configured filter sets into the cache
func (a *app) warmup(ctx context.Context) {
	if !a.cfg.Warmup.Enabled {
		return
	}

	warmer := cache.NewWarmer(a.logger, cache.WarmupConfig{
		Timeout:         a.cfg.Warmup.Timeout,
		ContinueOnError: true,
		Parallel:        true,
		MaxParallel:     a.cfg.Prefetch.MaxConcurrent,
	})
	for _, p := range a.orch.WarmupProviders() {
		warmer.RegisterProvider(p)
	}

	results := warmer.Warmup(ctx)
	if results.HasErrors() {
		a.logger.Warn("cache warmup finished with errors", "errors", results.Errors, "duration_ms", results.TotalTime.Milliseconds())
	}
}

// close stops components in reverse construction order
func (a *app) close(ctx context.Context) {
	if a.forwarder != nil {
		a.forwarder.Close()
	}
	if a.orch != nil {
		a.orch.Close()
	}
	if a.actions != nil {
		a.actions.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.LogError(ctx, "failed to close cache", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.LogError(ctx, "failed to close storage", err)
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.LogError(ctx, "failed to flush traces", err)
	}
	if err := a.metrics.Shutdown(ctx); err != nil {
		a.logger.LogError(ctx, "failed to flush metrics", err)
	}
}

// metricsEndpoint is the OTLP collector metrics are pushed to, if any
func metricsEndpoint(cfg *config.Config) string {
	obs := cfg.Observability
	if obs.Metrics.OTLPEndpoint != "" {
		return obs.Metrics.OTLPEndpoint
	}
	if obs.Tracing.Enabled {
		return obs.Tracing.Endpoint
	}
	return ""
}

// serve runs the HTTP API until ctx is cancelled
func serve(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	logger.Info("feedsync starting",
		"version", Version,
		"storage", cfg.Storage.Backend,
		"remote", cfg.Remote.BaseURL,
	)

	a.warmup(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           newRouter(a),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, gracefully stopping...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "HTTP server shutdown failed", err)
	}

	logger.Info("feedsync stopped")
	return nil
}
