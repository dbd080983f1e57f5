package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	perrors "github.com/jmgilman/go/errors"

	"github.com/agatticelli/feedsync/internal/events"
	"github.com/agatticelli/feedsync/internal/platform/resilience"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestHandler(cfg Config, bus events.Publisher) (*Handler, *sleepRecorder) {
	rec := &sleepRecorder{}
	cfg.Sleep = rec.sleep
	return NewHandler(cfg, bus, nil, nil), rec
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"network code", perrors.New(perrors.CodeNetwork, "dial failed"), KindNetwork},
		{"timeout code", perrors.New(perrors.CodeTimeout, "slow"), KindNetwork},
		{"unauthorized code", perrors.New(perrors.CodeUnauthorized, "bad token"), KindAuth},
		{"forbidden code", perrors.New(perrors.CodeForbidden, "nope"), KindAuth},
		{"unavailable code", perrors.New(perrors.CodeUnavailable, "down"), KindServer},
		{"wrapped code", fmt.Errorf("load: %w", perrors.New(perrors.CodeUnavailable, "down")), KindServer},
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"circuit open", resilience.ErrCircuitOpen, KindServer},
		{"fetch text", errors.New("Failed to fetch"), KindNetwork},
		{"timeout text", errors.New("request Timeout"), KindNetwork},
		{"auth text", errors.New("Unauthorized"), KindAuth},
		{"500 text", errors.New("status 500"), KindServer},
		{"503 text", errors.New("got 503 from upstream"), KindServer},
		{"unknown", errors.New("boom"), KindUnknown},
		{"nil", nil, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestIsRecoverable(t *testing.T) {
	if !IsRecoverable(KindNetwork) || !IsRecoverable(KindServer) {
		t.Error("network and server should be recoverable")
	}
	if IsRecoverable(KindAuth) || IsRecoverable(KindUnknown) {
		t.Error("auth and unknown should not be recoverable")
	}
	if UserMessage(KindAuth) == UserMessage(KindNetwork) {
		t.Error("auth and network should have distinct guidance")
	}
}

func TestExecuteWithRetry_ExponentialBackoff(t *testing.T) {
	h, rec := newTestHandler(DefaultConfig(), nil)

	netErr := errors.New("network request failed")
	calls := 0
	err := h.ExecuteWithRetry(context.Background(), "fetch-feed", func(context.Context) error {
		calls++
		return netErr
	})

	if !errors.Is(err, netErr) {
		t.Fatalf("expected wrapped original error, got %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 4 calls (1 + 3 retries), got %d", calls)
	}

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	if len(rec.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, rec.delays)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], rec.delays[i])
		}
	}

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatal("expected *Error")
	}
	if fe.RetryCount != 3 || fe.Kind != KindNetwork || !fe.Recoverable {
		t.Errorf("unexpected record: %+v", fe.FeedError)
	}

	t.Log("✓ Network failures retried at 1s, 2s, 4s")
}

func TestExecuteWithRetry_DelayCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 5
	h, rec := newTestHandler(cfg, nil)

	_ = h.ExecuteWithRetry(context.Background(), "fetch-feed", func(context.Context) error {
		return perrors.New(perrors.CodeUnavailable, "server error")
	})

	want := []time.Duration{1, 2, 4, 8, 10}
	for i, w := range want {
		if rec.delays[i] != w*time.Second {
			t.Errorf("delay %d: expected %v, got %v", i, w*time.Second, rec.delays[i])
		}
	}
}

func TestExecuteWithRetry_FixedMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backoff.Mode = resilience.Fixed
	h, rec := newTestHandler(cfg, nil)

	_ = h.ExecuteWithRetry(context.Background(), "op", func(context.Context) error {
		return errors.New("timeout")
	})

	for i, d := range rec.delays {
		if d != time.Second {
			t.Errorf("delay %d: expected 1s, got %v", i, d)
		}
	}
}

func TestExecuteWithRetry_AuthNotRetried(t *testing.T) {
	var reported []FeedError
	cfg := DefaultConfig()
	cfg.OnError = func(fe FeedError) { reported = append(reported, fe) }
	h, rec := newTestHandler(cfg, nil)

	calls := 0
	err := h.ExecuteWithRetry(context.Background(), "swipe", func(context.Context) error {
		calls++
		return perrors.New(perrors.CodeUnauthorized, "token expired")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
	if len(rec.delays) != 0 {
		t.Errorf("expected no backoff, got %v", rec.delays)
	}
	if len(reported) != 1 || reported[0].Kind != KindAuth || reported[0].Recoverable {
		t.Errorf("expected one non-recoverable auth error, got %+v", reported)
	}

	cur, ok := h.Current()
	if !ok || cur.Op != "swipe" {
		t.Errorf("expected current error for swipe, got %+v", cur)
	}

	t.Log("✓ Auth errors surface immediately")
}

func TestExecuteWithRetry_UnknownNotRetried(t *testing.T) {
	h, _ := newTestHandler(DefaultConfig(), nil)

	calls := 0
	_ = h.ExecuteWithRetry(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestExecuteWithRetry_OpenCircuitNotRetried(t *testing.T) {
	h, rec := newTestHandler(DefaultConfig(), nil)

	calls := 0
	err := h.ExecuteWithRetry(context.Background(), "fetch-feed", func(context.Context) error {
		calls++
		return fmt.Errorf("remote: %w", resilience.ErrCircuitOpen)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if len(rec.delays) != 0 {
		t.Errorf("expected no backoff, got %v", rec.delays)
	}
	if cur, ok := h.Current(); !ok || cur.Kind != KindServer {
		t.Errorf("expected server error recorded, got %+v", cur)
	}

	t.Log("✓ Open circuit fails fast")
}

func TestExecuteWithRetry_RecoversAfterTransientFailure(t *testing.T) {
	recovered := 0
	cfg := DefaultConfig()
	cfg.OnRecover = func(string) { recovered++ }
	h, rec := newTestHandler(cfg, nil)

	calls := 0
	err := h.ExecuteWithRetry(context.Background(), "fetch-feed", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("network down")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(rec.delays) != 2 {
		t.Errorf("expected 2 backoffs, got %v", rec.delays)
	}
	if recovered != 1 {
		t.Errorf("expected OnRecover once, got %d", recovered)
	}
	if _, ok := h.Current(); ok {
		t.Error("expected no current error")
	}
}

func TestCurrentClearedBySameOp(t *testing.T) {
	h, _ := newTestHandler(DefaultConfig(), nil)
	ctx := context.Background()

	_ = h.ExecuteWithRetry(ctx, "fetch-feed", func(context.Context) error {
		return errors.New("forbidden")
	})

	_ = h.ExecuteWithRetry(ctx, "swipe", func(context.Context) error { return nil })
	if _, ok := h.Current(); !ok {
		t.Fatal("success of a different op must not clear the error")
	}

	_ = h.ExecuteWithRetry(ctx, "fetch-feed", func(context.Context) error { return nil })
	if _, ok := h.Current(); ok {
		t.Fatal("success of the same op should clear the error")
	}
	if len(h.History()) != 1 {
		t.Errorf("history should keep the cleared error, got %d", len(h.History()))
	}
}

func TestHistoryBounded(t *testing.T) {
	h, _ := newTestHandler(DefaultConfig(), nil)

	for i := 0; i < 12; i++ {
		op := fmt.Sprintf("op-%d", i)
		_ = h.ExecuteWithRetry(context.Background(), op, func(context.Context) error {
			return errors.New("unauthorized")
		})
	}

	history := h.History()
	if len(history) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(history))
	}
	if history[0].Op != "op-2" || history[9].Op != "op-11" {
		t.Errorf("expected op-2..op-11, got %s..%s", history[0].Op, history[9].Op)
	}

	ids := make(map[string]bool)
	for _, fe := range history {
		if fe.ID == "" || ids[fe.ID] {
			t.Errorf("expected unique ids, got %q", fe.ID)
		}
		ids[fe.ID] = true
	}

	t.Log("✓ History keeps the last 10 errors")
}

func TestRetry(t *testing.T) {
	h, _ := newTestHandler(DefaultConfig(), nil)
	ctx := context.Background()

	if err := h.Retry(ctx); !errors.Is(err, ErrNothingToRetry) {
		t.Fatalf("expected ErrNothingToRetry, got %v", err)
	}

	fail := true
	calls := 0
	_ = h.ExecuteWithRetry(ctx, "fetch-feed", func(context.Context) error {
		calls++
		if fail {
			return errors.New("unauthorized")
		}
		return nil
	})

	fail = false
	if err := h.Retry(ctx); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if _, ok := h.Current(); ok {
		t.Error("expected current error cleared")
	}
	if err := h.Retry(ctx); !errors.Is(err, ErrNothingToRetry) {
		t.Errorf("expected nothing left to retry, got %v", err)
	}
}

func TestRetry_SubjectFailureNotCaptured(t *testing.T) {
	h, _ := newTestHandler(DefaultConfig(), nil)
	ctx := WithSubject(context.Background(), "p7")

	if got := SubjectFrom(ctx); got != "p7" {
		t.Fatalf("expected subject p7, got %q", got)
	}
	if got := SubjectFrom(context.Background()); got != "" {
		t.Fatalf("expected no subject, got %q", got)
	}

	calls := 0
	_ = h.ExecuteWithRetry(ctx, "swipe", func(context.Context) error {
		calls++
		return errors.New("unauthorized")
	})

	cur, ok := h.Current()
	if !ok || cur.SubjectID != "p7" || cur.Op != "swipe" {
		t.Fatalf("expected swipe error for p7, got %+v", cur)
	}
	if err := h.Retry(context.Background()); !errors.Is(err, ErrNothingToRetry) {
		t.Errorf("expected ErrNothingToRetry, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no re-run, got %d calls", calls)
	}

	t.Log("✓ Subject failures are left to their owner")
}

func TestClear(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(8, events.ErrorRaised, events.ErrorCleared)
	h, _ := newTestHandler(DefaultConfig(), bus)

	_ = h.ExecuteWithRetry(context.Background(), "fetch-feed", func(context.Context) error {
		return errors.New("forbidden")
	})
	h.Clear()

	if _, ok := h.Current(); ok {
		t.Error("expected no current error")
	}

	raised := <-sub.C()
	cleared := <-sub.C()
	if raised.Type != events.ErrorRaised || raised.Kind != string(KindAuth) || raised.Op != "fetch-feed" {
		t.Errorf("unexpected raised event %+v", raised)
	}
	if cleared.Type != events.ErrorCleared {
		t.Errorf("unexpected cleared event %+v", cleared)
	}
}

func TestExecuteWithRetryResult(t *testing.T) {
	h, _ := newTestHandler(DefaultConfig(), nil)

	calls := 0
	v, err := ExecuteWithRetryResult(context.Background(), h, "count", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("503")
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("expected 42, got %d (%v)", v, err)
	}
}

func TestExecuteWithRetry_CancelledNotRecorded(t *testing.T) {
	h := NewHandler(DefaultConfig(), nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	err := h.ExecuteWithRetry(ctx, "fetch-feed", func(context.Context) error {
		cancel()
		return errors.New("network down")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(h.History()) != 0 {
		t.Error("cancellation should not be recorded")
	}
}
