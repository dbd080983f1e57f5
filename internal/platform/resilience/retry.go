package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryConfig holds retry configuration. MaxAttempts counts the first call.
type RetryConfig struct {
	MaxAttempts int
	Backoff     Backoff

	// OnRetry, when set, is called before each wait
	OnRetry func(attempt int, err error, delay time.Duration)

	// Sleep replaces the package Sleep, mainly for tests
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns the query coordinator's policy: one call plus
// two retries, exponential from 1s capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff: Backoff{
			Base:   1 * time.Second,
			Max:    30 * time.Second,
			Mode:   Exponential,
			Jitter: 0.1,
		},
	}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry executes fn with backoff until it succeeds or attempts run out
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	return RetryIf(ctx, cfg, IsRetryable, fn)
}

// RetryWithResult executes fn with retry and returns its result
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	return RetryIfWithResult(ctx, cfg, IsRetryable, fn)
}

// RetryIf executes fn with retry only while isRetryable approves the error
func RetryIf(ctx context.Context, cfg RetryConfig, isRetryable func(error) bool, fn func(context.Context) error) error {
	_, err := RetryIfWithResult(ctx, cfg, isRetryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryIfWithResult executes fn with retry (returning a result) only while
// isRetryable approves the error. The returned error wraps the last failure.
func RetryIfWithResult[T any](ctx context.Context, cfg RetryConfig, isRetryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}

		lastErr = err

		if !isRetryable(err) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}

		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		}

		// Don't sleep after last attempt
		if attempt == attempts-1 {
			break
		}

		delay := cfg.Backoff.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		sleep := cfg.Sleep
		if sleep == nil {
			sleep = Sleep
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry cancelled during backoff: %w", err)
		}
	}

	return zero, fmt.Errorf("max retry attempts reached: %w", lastErr)
}

// IsRetryable is the default predicate: everything except an open circuit
// and caller cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
