package failure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agatticelli/feedsync/internal/events"
	"github.com/agatticelli/feedsync/internal/platform/observability"
	"github.com/agatticelli/feedsync/internal/platform/resilience"
)

// ErrNothingToRetry is returned by Retry when no failed operation is captured
var ErrNothingToRetry = errors.New("no failed operation to retry")

type subjectKey struct{}

// WithSubject tags ctx with the subject an operation acts on. Failures of a
// tagged operation record the subject and are not captured for Retry: the
// caller owning that subject's state re-issues them.
func WithSubject(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subjectID)
}

// SubjectFrom returns the subject set by WithSubject
func SubjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// FeedError is the record kept for a terminal failure
type FeedError struct {
	ID          string    `json:"id"`
	Op          string    `json:"op"`
	SubjectID   string    `json:"subjectId,omitempty"`
	Kind        Kind      `json:"kind"`
	Message     string    `json:"message"`
	UserMessage string    `json:"userMessage"`
	Recoverable bool      `json:"recoverable"`
	RetryCount  int       `json:"retryCount"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Error is returned by ExecuteWithRetry after retries are exhausted or the
// failure is not recoverable. It unwraps to the last error of fn.
type Error struct {
	FeedError
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed after %d retries: %v", e.Op, e.RetryCount, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config holds the retry policy and hooks
type Config struct {
	MaxRetries  int
	Backoff     resilience.Backoff
	HistorySize int

	OnError   func(FeedError)
	OnRecover func(op string)

	// Sleep and Now are replaced in tests
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// DefaultConfig returns three retries, exponential from 1s capped at 10s,
// and a history of ten errors.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		Backoff: resilience.Backoff{
			Base: 1 * time.Second,
			Max:  10 * time.Second,
			Mode: resilience.Exponential,
		},
		HistorySize: 10,
	}
}

type capturedCall struct {
	op string
	fn func(context.Context) error
}

// Handler runs operations with classified retries and tracks their failures
type Handler struct {
	cfg     Config
	bus     events.Publisher
	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	current *FeedError
	history []FeedError
	last    *capturedCall
}

// NewHandler creates a Handler. bus, logger and metrics may be nil.
func NewHandler(cfg Config, bus events.Publisher, logger *observability.Logger, metrics *observability.Metrics) *Handler {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 10
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &Handler{
		cfg:     cfg,
		bus:     bus,
		logger:  logger.WithComponent("failure"),
		metrics: metrics,
	}
}

// ExecuteWithRetry runs fn, retrying network and server failures with
// backoff. Auth and unknown failures are terminal on the first attempt.
func (h *Handler) ExecuteWithRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	retries := 0

	rc := resilience.RetryConfig{
		MaxAttempts: h.cfg.MaxRetries + 1,
		Backoff:     h.cfg.Backoff,
		Sleep:       h.cfg.Sleep,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			retries = attempt
			kind := Classify(err)
			h.metrics.RecordRetry(ctx, op, string(kind))
			h.logger.LogWarn(ctx, "retrying operation",
				"op", op,
				"attempt", attempt,
				"kind", kind,
				"delay", delay,
				"error", err,
			)
		},
	}

	err := resilience.RetryIf(ctx, rc, Retryable, func(ctx context.Context) error {
		lastErr = fn(ctx)
		return lastErr
	})
	if err == nil {
		h.recovered(ctx, op)
		return nil
	}

	if lastErr == nil || ctx.Err() != nil {
		// Cancelled by the caller, not a failure of the operation
		return err
	}

	return h.fail(ctx, op, lastErr, retries, fn)
}

// ExecuteWithRetryResult is ExecuteWithRetry for functions that return a value
func ExecuteWithRetryResult[T any](ctx context.Context, h *Handler, op string, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := h.ExecuteWithRetry(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Retry re-issues the last failed operation once through ExecuteWithRetry
func (h *Handler) Retry(ctx context.Context) error {
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()

	if last == nil {
		return ErrNothingToRetry
	}
	return h.ExecuteWithRetry(ctx, last.op, last.fn)
}

// Current returns the outstanding error, if any
func (h *Handler) Current() (FeedError, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current == nil {
		return FeedError{}, false
	}
	return *h.current, true
}

// History returns recorded errors, oldest first
func (h *Handler) History() []FeedError {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]FeedError, len(h.history))
	copy(out, h.history)
	return out
}

// Clear drops the current error and the captured retry
func (h *Handler) Clear() {
	h.mu.Lock()
	cleared := h.current
	h.current = nil
	h.last = nil
	h.mu.Unlock()

	if cleared != nil {
		h.publish(events.Event{Type: events.ErrorCleared, Op: cleared.Op})
	}
}

func (h *Handler) fail(ctx context.Context, op string, err error, retries int, fn func(context.Context) error) error {
	kind := Classify(err)
	fe := FeedError{
		ID:          uuid.NewString(),
		Op:          op,
		SubjectID:   SubjectFrom(ctx),
		Kind:        kind,
		Message:     err.Error(),
		UserMessage: UserMessage(kind),
		Recoverable: IsRecoverable(kind),
		RetryCount:  retries,
		OccurredAt:  h.cfg.Now(),
	}

	h.mu.Lock()
	h.current = &fe
	h.history = append(h.history, fe)
	if over := len(h.history) - h.cfg.HistorySize; over > 0 {
		h.history = append([]FeedError(nil), h.history[over:]...)
	}
	if fe.SubjectID == "" {
		h.last = &capturedCall{op: op, fn: fn}
	} else {
		h.last = nil
	}
	h.mu.Unlock()

	h.metrics.RecordError(ctx, string(kind))
	h.logger.LogError(ctx, "operation failed", err,
		"op", op,
		"kind", kind,
		"retries", retries,
		"error_id", fe.ID,
	)

	h.publish(events.Event{
		Type:      events.ErrorRaised,
		At:        fe.OccurredAt,
		Op:        op,
		SubjectID: fe.SubjectID,
		Kind:      string(kind),
		Err:       err,
	})
	if h.cfg.OnError != nil {
		h.cfg.OnError(fe)
	}

	return &Error{FeedError: fe, Err: err}
}

func (h *Handler) recovered(ctx context.Context, op string) {
	h.mu.Lock()
	cleared := h.current != nil && h.current.Op == op
	if cleared {
		h.current = nil
	}
	if h.last != nil && h.last.op == op {
		h.last = nil
	}
	h.mu.Unlock()

	if cleared {
		h.logger.LogInfo(ctx, "operation recovered", "op", op)
		h.publish(events.Event{Type: events.ErrorCleared, Op: op})
	}
	if h.cfg.OnRecover != nil {
		h.cfg.OnRecover(op)
	}
}

func (h *Handler) publish(e events.Event) {
	if h.bus != nil {
		h.bus.Publish(e)
	}
}
