// Package remote is the HTTP client for the authoritative feed service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/agatticelli/feedsync/internal/failure"
	"github.com/agatticelli/feedsync/internal/feed"
	"github.com/agatticelli/feedsync/internal/platform/observability"
	"github.com/agatticelli/feedsync/internal/platform/resilience"
)

const (
	discoverPath = "/pets/discover"
	swipePath    = "/matches/swipe"
)

// Page is one page of discovery results
type Page struct {
	Items   []feed.Item `json:"items"`
	Page    int         `json:"page"`
	Pages   int         `json:"pages"`
	Total   int         `json:"total"`
	Dropped int         `json:"dropped"`
}

// HasMore reports whether a later page exists
func (p Page) HasMore() bool {
	return p.Page < p.Pages
}

// CommandResult is the outcome of a swipe command
type CommandResult struct {
	Matched bool   `json:"matched"`
	MatchID string `json:"matchId,omitempty"`
}

// Config holds client configuration
type Config struct {
	BaseURL          string
	AuthToken        string
	Timeout          time.Duration
	MediaConcurrency int

	RequestsPerSecond float64
	Burst             int

	// CircuitBreaker is created from the defaults when nil
	CircuitBreaker *resilience.CircuitBreaker
	HTTPClient     *http.Client

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// Client talks to the remote data service
type Client struct {
	baseURL   string
	authToken string
	client    *http.Client
	limiter   *rate.Limiter
	cb        *resilience.CircuitBreaker
	mediaCap  int
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    observability.Tracer

	warmed sync.Map // media URL -> struct{}

	healthMu sync.RWMutex
	health   Health
}

// NewClient creates a remote client
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MediaConcurrency <= 0 {
		cfg.MediaConcurrency = 4
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	cb := cfg.CircuitBreaker
	if cb == nil {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "remote",
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			CountsAsFailure:  CountsAsFailure,
			OnStateChange: func(from, to resilience.State) {
				cfg.Metrics.SetCircuitBreakerState(context.Background(), "remote", int64(to))
				cfg.Logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
			},
		})
	}
	cfg.Metrics.SetCircuitBreakerState(context.Background(), "remote", int64(cb.State()))

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		client:    httpClient,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cb:        cb,
		mediaCap:  cfg.MediaConcurrency,
		logger:    cfg.Logger.WithComponent("remote"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		health:    Health{Service: "remote"},
	}, nil
}

// CountsAsFailure trips the breaker only for transport and server failures.
// Client errors such as 401 say nothing about the service being down.
func CountsAsFailure(err error) bool {
	return failure.IsRecoverable(failure.Classify(err))
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type discoverData struct {
	Pets       []json.RawMessage `json:"pets"`
	Pagination struct {
		Page  int `json:"page"`
		Limit int `json:"limit"`
		Total int `json:"total"`
		Pages int `json:"pages"`
	} `json:"pagination"`
}

type swipeRequest struct {
	PetID  string `json:"petId"`
	Action string `json:"action"`
}

type swipeData struct {
	MatchCreated bool   `json:"matchCreated"`
	MatchID      string `json:"matchId"`
}

// FetchPage fetches one page of items for filters and normalizes them.
// Items without an id are dropped and counted.
func (c *Client) FetchPage(ctx context.Context, filters feed.Filters) (Page, error) {
	ctx, span := c.tracer.StartSpan(ctx, "remote.FetchPage",
		observability.WithSpanKind(trace.SpanKindClient),
		observability.WithAttributes(attribute.String("feed.key", filters.Key())),
	)
	defer span.End()

	path := discoverPath
	if q := filters.Values().Encode(); q != "" {
		path += "?" + q
	}

	var data discoverData
	if err := c.do(ctx, http.MethodGet, path, "discover", nil, &data); err != nil {
		span.NoticeError(err)
		return Page{}, err
	}

	items, dropped := feed.NormalizeAll(data.Pets)
	if dropped > 0 {
		c.logger.LogWarn(ctx, "dropped invalid feed items", "dropped", dropped, "key", filters.Key())
	}

	page := Page{
		Items:   items,
		Page:    data.Pagination.Page,
		Pages:   data.Pagination.Pages,
		Total:   data.Pagination.Total,
		Dropped: dropped,
	}
	if page.Page == 0 {
		page.Page = filters.Page()
	}

	span.SetAttribute("feed.items", len(items))
	return page, nil
}

// FetchItems fetches the items for filters
func (c *Client) FetchItems(ctx context.Context, filters feed.Filters) ([]feed.Item, error) {
	page, err := c.FetchPage(ctx, filters)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

// SendCommand records an action on subjectID for actorID
func (c *Client) SendCommand(ctx context.Context, actorID, subjectID string, action feed.Action) (CommandResult, error) {
	ctx, span := c.tracer.StartSpan(ctx, "remote.SendCommand",
		observability.WithSpanKind(trace.SpanKindClient),
		observability.WithAttributes(
			attribute.String("subject.id", subjectID),
			attribute.String("action", string(action)),
		),
	)
	defer span.End()

	if actorID == "" {
		err := perrors.New(perrors.CodeInvalidInput, "actor id is required")
		span.NoticeError(err)
		return CommandResult{}, err
	}

	body := swipeRequest{PetID: subjectID, Action: string(action)}
	var data swipeData
	ctx = withActor(ctx, actorID)
	if err := c.do(ctx, http.MethodPost, swipePath, "swipe", body, &data); err != nil {
		span.NoticeError(err)
		return CommandResult{}, err
	}

	span.SetAttribute("match.created", data.MatchCreated)
	return CommandResult{Matched: data.MatchCreated, MatchID: data.MatchID}, nil
}

type actorKey struct{}

func withActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// do sends one JSON request through the limiter and circuit breaker and
// decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, path, endpoint string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}

	return c.cb.Execute(ctx, func(ctx context.Context) error {
		start := time.Now()
		err := c.roundTrip(ctx, method, path, body, out)
		duration := time.Since(start)

		c.recordHealth(err, duration)

		status := "success"
		if err != nil {
			status = string(failure.Classify(err))
		}
		c.metrics.RecordRemoteCall(ctx, endpoint, status, duration)

		c.logger.LogDebug(ctx, "remote call",
			"endpoint", endpoint,
			"status", status,
			"duration_ms", duration.Milliseconds(),
		)
		return err
	})
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return perrors.Wrap(err, perrors.CodeInvalidInput, "failed to encode request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return perrors.Wrap(err, perrors.CodeInvalidInput, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(ctx, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= 300 {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return statusError(resp.StatusCode, msg)
	}

	if decodeErr != nil {
		return perrors.Wrap(decodeErr, perrors.CodeInvalidInput, "failed to decode response")
	}
	if !env.Success {
		return perrors.New(perrors.CodeExecutionFailed, fmt.Sprintf("request rejected: %s", env.Message))
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return perrors.Wrap(err, perrors.CodeInvalidInput, "failed to decode response data")
	}
	return nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if actor, ok := ctx.Value(actorKey{}).(string); ok {
		req.Header.Set("X-Actor-Id", actor)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

func transportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return perrors.Wrap(err, perrors.CodeTimeout, "request timed out")
	}
	return perrors.Wrap(err, perrors.CodeNetwork, "network request failed")
}

func statusError(status int, msg string) error {
	switch {
	case status == http.StatusUnauthorized:
		return perrors.New(perrors.CodeUnauthorized, fmt.Sprintf("unauthorized: %s", msg))
	case status == http.StatusForbidden:
		return perrors.New(perrors.CodeForbidden, fmt.Sprintf("forbidden: %s", msg))
	case status == http.StatusNotFound:
		return perrors.New(perrors.CodeNotFound, msg)
	case status == http.StatusTooManyRequests:
		return perrors.New(perrors.CodeRateLimit, msg)
	case status >= 500:
		return perrors.New(perrors.CodeUnavailable, fmt.Sprintf("server error (status %d): %s", status, msg))
	default:
		return perrors.New(perrors.CodeInvalidInput, fmt.Sprintf("status %d: %s", status, msg))
	}
}
