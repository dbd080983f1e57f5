package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_Exponential(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, Mode: Exponential}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for attempt, expected := range want {
		if got := b.Delay(attempt); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", attempt, expected, got)
		}
	}
}

func TestBackoff_Fixed(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second, Mode: Fixed}

	for attempt := 0; attempt < 4; attempt++ {
		if got := b.Delay(attempt); got != 500*time.Millisecond {
			t.Errorf("attempt %d: expected 500ms, got %v", attempt, got)
		}
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.2}

	for i := 0; i < 100; i++ {
		d := b.Delay(1)
		if d < 1600*time.Millisecond || d > 2400*time.Millisecond {
			t.Fatalf("delay %v outside ±20%% of 2s", d)
		}
	}
}

func TestRetryWithResult_EventuallySucceeds(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}

	var retries []int
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) {
		retries = append(retries, attempt)
	}

	calls := 0
	got, err := RetryWithResult(context.Background(), cfg, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("network timeout")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("expected ok after 3 calls, got %q after %d", got, calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("expected OnRetry for attempts [1 2], got %v", retries)
	}
}

func TestRetryIf_StopsOnNonRetryable(t *testing.T) {
	errFatal := errors.New("forbidden")
	calls := 0

	err := RetryIf(context.Background(), RetryConfig{MaxAttempts: 5, Backoff: Backoff{Base: time.Millisecond}},
		func(err error) bool { return !errors.Is(err, errFatal) },
		func(context.Context) error {
			calls++
			return errFatal
		})

	if !errors.Is(err, errFatal) {
		t.Errorf("expected wrapped errFatal, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	errBoom := errors.New("server error")
	calls := 0

	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, Backoff: Backoff{Base: time.Millisecond}},
		func(context.Context) error {
			calls++
			return errBoom
		})

	if !errors.Is(err, errBoom) {
		t.Errorf("expected wrapped errBoom, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Hour},
		OnRetry:     func(int, error, time.Duration) { cancel() },
	}

	err := Retry(ctx, cfg, func(context.Context) error { return errors.New("network down") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"circuit open", ErrCircuitOpen, false},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
