package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Metrics holds all feed metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// Cache metrics
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter
	CacheSWR    metric.Int64Counter

	// Query coordinator metrics
	QueryRequests metric.Int64Counter

	// Prefetch metrics
	PreloadActive   metric.Int64Gauge
	PreloadQueued   metric.Int64Gauge
	PreloadOutcomes metric.Int64Counter

	// Action metrics
	Actions metric.Int64Counter
	Matches metric.Int64Counter

	// Retry / error metrics
	Retries metric.Int64Counter
	Errors  metric.Int64Counter

	// Remote service metrics
	RemoteCalls    metric.Int64Counter
	RemoteDuration metric.Float64Histogram

	// Circuit breaker metrics
	CircuitBreakerState metric.Int64Gauge

	exporter *prometheus.Exporter
	provider *sdkmetric.MeterProvider
}

// NewMetrics creates a new Metrics instance. When disabled, instruments come
// from the noop provider so callers never need to nil-check them. Metrics are
// always scraped through Prometheus; a non-empty otlpEndpoint also pushes
// them to an OTLP gRPC collector.
func NewMetrics(serviceName string, enabled bool, otlpEndpoint string) (*Metrics, error) {
	if !enabled {
		m := &Metrics{meter: noop.NewMeterProvider().Meter(serviceName)}
		if err := m.initMetrics(); err != nil {
			return nil, err
		}
		return m, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if otlpEndpoint != "" {
		conn, err := grpc.NewClient(
			otlpEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}

		otlpExporter, err := otlpmetricgrpc.New(context.Background(), otlpmetricgrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	provider := sdkmetric.NewMeterProvider(opts...)

	m := &Metrics{
		meter:    provider.Meter(serviceName),
		exporter: exporter,
		provider: provider,
	}

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

// initMetrics initializes all metric instruments
func (m *Metrics) initMetrics() error {
	var err error

	if m.CacheHits, err = m.meter.Int64Counter(
		"feed.cache.hits",
		metric.WithDescription("Cache hits by layer"),
	); err != nil {
		return err
	}

	if m.CacheMisses, err = m.meter.Int64Counter(
		"feed.cache.misses",
		metric.WithDescription("Cache misses by layer"),
	); err != nil {
		return err
	}

	if m.CacheSWR, err = m.meter.Int64Counter(
		"feed.cache.revalidations",
		metric.WithDescription("Background stale-while-revalidate refreshes by outcome"),
	); err != nil {
		return err
	}

	if m.QueryRequests, err = m.meter.Int64Counter(
		"feed.query.requests",
		metric.WithDescription("Query coordinator requests (fresh, stale, fetched, shared)"),
	); err != nil {
		return err
	}

	if m.PreloadActive, err = m.meter.Int64Gauge(
		"feed.preload.active",
		metric.WithDescription("Preload tasks currently running"),
	); err != nil {
		return err
	}

	if m.PreloadQueued, err = m.meter.Int64Gauge(
		"feed.preload.queued",
		metric.WithDescription("Preload tasks waiting for a slot"),
	); err != nil {
		return err
	}

	if m.PreloadOutcomes, err = m.meter.Int64Counter(
		"feed.preload.outcomes",
		metric.WithDescription("Finished preload tasks by status"),
	); err != nil {
		return err
	}

	if m.Actions, err = m.meter.Int64Counter(
		"feed.actions",
		metric.WithDescription("User actions by kind and outcome"),
	); err != nil {
		return err
	}

	if m.Matches, err = m.meter.Int64Counter(
		"feed.matches",
		metric.WithDescription("Mutual matches surfaced"),
	); err != nil {
		return err
	}

	if m.Retries, err = m.meter.Int64Counter(
		"feed.retries",
		metric.WithDescription("Automatic retry attempts by operation and kind"),
	); err != nil {
		return err
	}

	if m.Errors, err = m.meter.Int64Counter(
		"feed.errors",
		metric.WithDescription("Terminal errors by kind"),
	); err != nil {
		return err
	}

	if m.RemoteCalls, err = m.meter.Int64Counter(
		"feed.remote.calls",
		metric.WithDescription("Remote service calls"),
	); err != nil {
		return err
	}

	if m.RemoteDuration, err = m.meter.Float64Histogram(
		"feed.remote.duration",
		metric.WithDescription("Remote service call duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return err
	}

	if m.CircuitBreakerState, err = m.meter.Int64Gauge(
		"feed.circuit_breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
	); err != nil {
		return err
	}

	return nil
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(ctx context.Context, layer string) {
	if m == nil {
		return
	}
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("layer", layer)))
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(ctx context.Context, layer string) {
	if m == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("layer", layer)))
}

// RecordRevalidation records a background refresh outcome
func (m *Metrics) RecordRevalidation(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.CacheSWR.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordQuery records how the query coordinator answered a request
func (m *Metrics) RecordQuery(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.QueryRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// SetPreloadLoad records the scheduler's active and queued counts
func (m *Metrics) SetPreloadLoad(ctx context.Context, active, queued int) {
	if m == nil {
		return
	}
	m.PreloadActive.Record(ctx, int64(active))
	m.PreloadQueued.Record(ctx, int64(queued))
}

// RecordPreload records a finished preload task
func (m *Metrics) RecordPreload(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	status := "done"
	if !success {
		status = "failed"
	}
	m.PreloadOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordAction records a user action outcome
func (m *Metrics) RecordAction(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.Actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordMatch records a mutual match
func (m *Metrics) RecordMatch(ctx context.Context) {
	if m == nil {
		return
	}
	m.Matches.Add(ctx, 1)
}

// RecordRetry records an automatic retry attempt
func (m *Metrics) RecordRetry(ctx context.Context, op, kind string) {
	if m == nil {
		return
	}
	m.Retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("kind", kind),
	))
}

// RecordError records a terminal error
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRemoteCall records a remote service call
func (m *Metrics) RecordRemoteCall(ctx context.Context, endpoint, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	}
	m.RemoteCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.RemoteDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// SetCircuitBreakerState sets circuit breaker state
// 0 = closed, 1 = open, 2 = half-open
func (m *Metrics) SetCircuitBreakerState(ctx context.Context, service string, state int64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Record(ctx, state, metric.WithAttributes(attribute.String("service", service)))
}

// Handler returns the HTTP handler for Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.exporter == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("metrics not available"))
		})
	}
	// The OTel Prometheus exporter registers with the default registry
	return promhttp.Handler()
}

// Shutdown flushes pending OTLP exports and stops the meter provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
