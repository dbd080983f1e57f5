package action

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agatticelli/feedsync/internal/events"
	"github.com/agatticelli/feedsync/internal/failure"
	"github.com/agatticelli/feedsync/internal/feed"
	"github.com/agatticelli/feedsync/internal/remote"
)

type fakeCommander struct {
	mu      sync.Mutex
	calls   int
	result  remote.CommandResult
	err     error
	release chan struct{}
}

func (f *fakeCommander) SendCommand(ctx context.Context, actorID, subjectID string, action feed.Action) (remote.CommandResult, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	res, err := f.result, f.err
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	return res, err
}

func (f *fakeCommander) set(res remote.CommandResult, err error) {
	f.mu.Lock()
	f.result, f.err = res, err
	f.mu.Unlock()
}

func (f *fakeCommander) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeInvalidator struct {
	mu       sync.Mutex
	keys     []string
	prefixes []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, key string) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
}

func (f *fakeInvalidator) InvalidatePrefix(_ context.Context, prefix string) {
	f.mu.Lock()
	f.prefixes = append(f.prefixes, prefix)
	f.mu.Unlock()
}

func newHandler() *failure.Handler {
	cfg := failure.DefaultConfig()
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }
	return failure.NewHandler(cfg, nil, nil, nil)
}

func swipe(subject string, kind feed.Action) SwipeRequest {
	return SwipeRequest{ActorID: "u1", SubjectID: subject, Kind: kind, Position: 3}
}

func TestSwipe_Idempotent(t *testing.T) {
	cmd := &fakeCommander{release: make(chan struct{})}
	engine := NewEngine(DefaultConfig(), cmd, newHandler(), nil, nil, nil, nil)
	ctx := context.Background()

	p, err := engine.Swipe(ctx, swipe("p1", feed.ActionLike))
	if err != nil {
		t.Fatalf("first swipe failed: %v", err)
	}
	if p.State != StatePending || p.OriginalPosition != 3 {
		t.Errorf("unexpected record %+v", p)
	}

	if _, err := engine.Swipe(ctx, swipe("p1", feed.ActionSuperlike)); !errors.Is(err, ErrActionPending) {
		t.Fatalf("expected ErrActionPending, got %v", err)
	}

	close(cmd.release)
	engine.Wait()

	if cmd.Calls() != 1 {
		t.Errorf("expected exactly one command, got %d", cmd.Calls())
	}
	if engine.State("p1") != StateCommitted {
		t.Errorf("expected committed, got %s", engine.State("p1"))
	}

	t.Log("✓ Second swipe while pending is rejected")
}

func TestSwipe_FailureRollsBack(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(16, events.ActionFailed, events.ActionCommitted)

	var onError []Pending
	cfg := DefaultConfig()
	cfg.OnError = func(p Pending, _ error) { onError = append(onError, p) }

	cmd := &fakeCommander{err: errors.New("network request failed")}
	engine := NewEngine(cfg, cmd, newHandler(), nil, bus, nil, nil)

	if _, err := engine.Swipe(context.Background(), swipe("p1", feed.ActionLike)); err != nil {
		t.Fatal(err)
	}
	engine.Wait()

	if engine.State("p1") != StateFailed {
		t.Fatalf("expected failed, got %s", engine.State("p1"))
	}
	if cmd.Calls() != 4 {
		t.Errorf("expected 1 call + 3 retries, got %d", cmd.Calls())
	}
	if len(onError) != 1 {
		t.Fatalf("expected OnError exactly once, got %d", len(onError))
	}
	if onError[0].Retries != 1 || onError[0].OriginalPosition != 3 {
		t.Errorf("unexpected failed record %+v", onError[0])
	}

	ev := <-sub.C()
	if ev.Type != events.ActionFailed || ev.SubjectID != "p1" || ev.Index != 3 {
		t.Errorf("unexpected event %+v", ev)
	}
	select {
	case extra := <-sub.C():
		t.Errorf("expected a single event, got extra %+v", extra)
	default:
	}

	failed := engine.Failed()
	if len(failed) != 1 || failed[0].SubjectID != "p1" {
		t.Errorf("expected p1 in failed list, got %+v", failed)
	}

	t.Log("✓ Exhausted retries leave the subject failed with one onError")
}

func TestSwipe_AuthFailureNotRetried(t *testing.T) {
	cmd := &fakeCommander{err: errors.New("unauthorized")}
	engine := NewEngine(DefaultConfig(), cmd, newHandler(), nil, nil, nil, nil)

	_, _ = engine.Swipe(context.Background(), swipe("p1", feed.ActionLike))
	engine.Wait()

	if cmd.Calls() != 1 {
		t.Errorf("expected 1 call, got %d", cmd.Calls())
	}
	if engine.State("p1") != StateFailed {
		t.Errorf("expected failed, got %s", engine.State("p1"))
	}
}

func TestSwipe_MatchAndInvalidation(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(16, events.MatchCreated)
	inv := &fakeInvalidator{}

	cmd := &fakeCommander{result: remote.CommandResult{Matched: true, MatchID: "m1"}}
	engine := NewEngine(DefaultConfig(), cmd, newHandler(), inv, bus, nil, nil)

	_, _ = engine.Swipe(context.Background(), swipe("p1", feed.ActionSuperlike))
	engine.Wait()

	match, ok := engine.LastMatch()
	if !ok || match.MatchID != "m1" || match.SubjectID != "p1" {
		t.Fatalf("expected match m1, got %+v", match)
	}

	ev := <-sub.C()
	if ev.MatchID != "m1" || ev.ActorID != "u1" {
		t.Errorf("unexpected match event %+v", ev)
	}

	inv.mu.Lock()
	if len(inv.prefixes) != 1 || inv.prefixes[0] != feed.KeyPrefix {
		t.Errorf("expected feed prefix invalidated, got %v", inv.prefixes)
	}
	if len(inv.keys) != 1 || inv.keys[0] != feed.MatchesKey {
		t.Errorf("expected matches key invalidated, got %v", inv.keys)
	}
	inv.mu.Unlock()

	engine.ClearMatch()
	if _, ok := engine.LastMatch(); ok {
		t.Error("expected match cleared")
	}
}

func TestSwipe_PassIsLocal(t *testing.T) {
	inv := &fakeInvalidator{}
	cmd := &fakeCommander{}
	engine := NewEngine(DefaultConfig(), cmd, newHandler(), inv, nil, nil, nil)

	_, err := engine.Swipe(context.Background(), swipe("p1", feed.ActionPass))
	if err != nil {
		t.Fatal(err)
	}
	if engine.State("p1") != StateCommitted {
		t.Errorf("expected pass committed immediately, got %s", engine.State("p1"))
	}
	engine.Wait()
	if cmd.Calls() != 0 {
		t.Errorf("pass must not reach the remote service, got %d calls", cmd.Calls())
	}
	if len(inv.prefixes) != 0 {
		t.Error("pass must not invalidate the feed")
	}
}

func TestCommitted_DroppedAfterDisplayWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DisplayWindow = 20 * time.Millisecond
	engine := NewEngine(cfg, &fakeCommander{}, newHandler(), nil, nil, nil, nil)
	defer engine.Close()

	_, _ = engine.Swipe(context.Background(), swipe("p1", feed.ActionLike))
	engine.Wait()

	if engine.State("p1") != StateCommitted {
		t.Fatalf("expected committed, got %s", engine.State("p1"))
	}

	deadline := time.Now().Add(time.Second)
	for engine.State("p1") != StateNone {
		if time.Now().After(deadline) {
			t.Fatal("committed entry was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Log("✓ Committed entry dropped after display window")
}

func TestRetryAction(t *testing.T) {
	cmd := &fakeCommander{err: errors.New("unauthorized")}
	engine := NewEngine(DefaultConfig(), cmd, newHandler(), nil, nil, nil, nil)
	ctx := context.Background()

	if _, err := engine.RetryAction(ctx, "p1"); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("expected ErrNotFailed, got %v", err)
	}

	_, _ = engine.Swipe(ctx, swipe("p1", feed.ActionLike))
	engine.Wait()

	cmd.set(remote.CommandResult{}, nil)
	p, err := engine.RetryAction(ctx, "p1")
	if err != nil {
		t.Fatalf("RetryAction failed: %v", err)
	}
	if p.State != StatePending {
		t.Errorf("expected pending after retry, got %s", p.State)
	}
	engine.Wait()

	if engine.State("p1") != StateCommitted {
		t.Errorf("expected committed, got %s", engine.State("p1"))
	}
	if got, _ := engine.Get("p1"); got.Retries != 0 {
		t.Errorf("expected retry counter cleared, got %d", got.Retries)
	}
}

func TestRetryAction_Limit(t *testing.T) {
	cmd := &fakeCommander{err: errors.New("forbidden")}
	engine := NewEngine(DefaultConfig(), cmd, newHandler(), nil, nil, nil, nil)
	ctx := context.Background()

	_, _ = engine.Swipe(ctx, swipe("p1", feed.ActionLike))
	engine.Wait()

	if _, err := engine.RetryAction(ctx, "p1"); err != nil {
		t.Fatalf("first retry should be allowed: %v", err)
	}
	engine.Wait()

	got, _ := engine.Get("p1")
	if got.Retries != 2 {
		t.Errorf("expected counter 2, got %d", got.Retries)
	}
	if _, err := engine.RetryAction(ctx, "p1"); !errors.Is(err, ErrRetryLimit) {
		t.Fatalf("expected ErrRetryLimit, got %v", err)
	}

	engine.ClearAction("p1")
	if engine.State("p1") != StateNone {
		t.Errorf("expected none after clear, got %s", engine.State("p1"))
	}
	if _, err := engine.Swipe(ctx, swipe("p1", feed.ActionLike)); err != nil {
		t.Errorf("swipe after clear should be accepted: %v", err)
	}
	engine.Wait()
}

func TestSwipe_Validation(t *testing.T) {
	engine := NewEngine(DefaultConfig(), &fakeCommander{}, newHandler(), nil, nil, nil, nil)
	ctx := context.Background()

	if _, err := engine.Swipe(ctx, SwipeRequest{SubjectID: "p1", Kind: feed.ActionLike}); !errors.Is(err, ErrActorRequired) {
		t.Errorf("expected ErrActorRequired, got %v", err)
	}
	if _, err := engine.Swipe(ctx, SwipeRequest{ActorID: "u1", Kind: feed.ActionLike}); !errors.Is(err, ErrSubjectRequired) {
		t.Errorf("expected ErrSubjectRequired, got %v", err)
	}
	if _, err := engine.Swipe(ctx, SwipeRequest{ActorID: "u1", SubjectID: "p1", Kind: "maybe"}); err == nil {
		t.Error("expected invalid kind error")
	}
}
