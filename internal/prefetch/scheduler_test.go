package prefetch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agatticelli/feedsync/internal/events"
)

// gatedPreload blocks each index until released
type gatedPreload struct {
	mu      sync.Mutex
	release map[int]chan struct{}
	fail    map[int]bool
	started chan int
}

func newGatedPreload() *gatedPreload {
	return &gatedPreload{
		release: make(map[int]chan struct{}),
		fail:    make(map[int]bool),
		started: make(chan int, 100),
	}
}

func (g *gatedPreload) ch(index int) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.release[index]
	if !ok {
		c = make(chan struct{})
		g.release[index] = c
	}
	return c
}

func (g *gatedPreload) Release(index int) { close(g.ch(index)) }

func (g *gatedPreload) Run(ctx context.Context, index int) error {
	g.started <- index
	select {
	case <-g.ch(index):
	case <-ctx.Done():
		return ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail[index] {
		return errors.New("preload failed")
	}
	return nil
}

func (g *gatedPreload) expectStarted(t *testing.T, want int) {
	t.Helper()
	select {
	case got := <-g.started:
		if got != want {
			t.Fatalf("expected index %d to start, got %d", want, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("index %d did not start", want)
	}
}

func (g *gatedPreload) expectNoStart(t *testing.T) {
	t.Helper()
	select {
	case got := <-g.started:
		t.Fatalf("unexpected start of index %d", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func newTestScheduler(t *testing.T, cfg Config, fn PreloadFunc, bus events.Publisher) *Scheduler {
	t.Helper()
	s := NewScheduler(context.Background(), cfg, fn, nil, bus, nil, nil)
	t.Cleanup(s.Close)
	return s
}

func TestRegisterPosition_ThresholdScenario(t *testing.T) {
	g := newGatedPreload()
	s := newTestScheduler(t, DefaultConfig(), g.Run, nil)

	got := s.RegisterPosition(context.Background(), 11, 20)
	if !slices.Equal(got, []int{12, 13, 14, 15, 16}) {
		t.Fatalf("expected 12..16, got %v", got)
	}

	snap := s.Snapshot()
	if !slices.Equal(snap.Active, []int{12, 13, 14}) {
		t.Errorf("expected 12,13,14 active, got %v", snap.Active)
	}
	if !slices.Equal(snap.Queued, []int{15, 16}) {
		t.Errorf("expected 15,16 queued, got %v", snap.Queued)
	}

	for i := 12; i <= 16; i++ {
		g.Release(i)
	}
	s.Wait()

	snap = s.Snapshot()
	if !slices.Equal(snap.Done, []int{12, 13, 14, 15, 16}) {
		t.Errorf("expected 12..16 done, got %v", snap.Done)
	}

	// Done indices are not preloaded again
	g2 := s.RegisterPosition(context.Background(), 12, 20)
	if !slices.Equal(g2, []int{17}) {
		t.Errorf("expected only 17 on next position, got %v", g2)
	}
	g.Release(17)
	s.Wait()

	t.Log("✓ remaining=9 of 20 preloads indices 12..16")
}

func TestRegisterPosition_Triggers(t *testing.T) {
	tests := []struct {
		name    string
		current int
		total   int
		want    []int
	}{
		{"plenty remaining", 0, 100, nil},
		{"ratio threshold", 75, 100, []int{76, 77, 78, 79, 80}},
		{"min remaining", 90, 100, []int{91, 92, 93, 94, 95}},
		{"fewer than ahead", 17, 20, []int{18, 19, 20}},
		{"at end", 20, 20, nil},
		{"empty feed", 0, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t, Config{MaxConcurrent: 10}, func(context.Context, int) error { return nil }, nil)
			got := s.RegisterPosition(context.Background(), tt.current, tt.total)
			if !slices.Equal(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
			s.Wait()
		})
	}
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	preload := func(ctx context.Context, index int) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	s := newTestScheduler(t, DefaultConfig(), preload, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		s.TriggerPreload(ctx, i)
		s.RegisterPosition(ctx, i, 25)
	}
	s.Wait()

	if maxInFlight.Load() > 3 {
		t.Errorf("expected at most 3 concurrent preloads, saw %d", maxInFlight.Load())
	}
	if len(s.Snapshot().Done) == 0 {
		t.Error("expected preloads to complete")
	}

	t.Log("✓ Active preloads never exceed MaxConcurrent")
}

func TestScheduler_FIFOAdmission(t *testing.T) {
	g := newGatedPreload()
	s := newTestScheduler(t, Config{MaxConcurrent: 1}, g.Run, nil)
	ctx := context.Background()

	s.TriggerPreload(ctx, 1)
	g.expectStarted(t, 1)

	s.TriggerPreload(ctx, 2)
	s.TriggerPreload(ctx, 3)
	if q := s.Snapshot().Queued; !slices.Equal(q, []int{2, 3}) {
		t.Fatalf("expected queue [2 3], got %v", q)
	}
	g.expectNoStart(t)

	g.Release(1)
	g.expectStarted(t, 2)
	g.expectNoStart(t)

	g.Release(2)
	g.expectStarted(t, 3)
	g.Release(3)
	s.Wait()

	t.Log("✓ Queued preloads admitted oldest first")
}

func TestScheduler_DuplicateIsNoop(t *testing.T) {
	g := newGatedPreload()
	s := newTestScheduler(t, Config{MaxConcurrent: 1}, g.Run, nil)
	ctx := context.Background()

	if !s.TriggerPreload(ctx, 4) {
		t.Fatal("expected first trigger to schedule")
	}
	if s.TriggerPreload(ctx, 4) {
		t.Error("active index must not be scheduled twice")
	}
	s.TriggerPreload(ctx, 5)
	if s.TriggerPreload(ctx, 5) {
		t.Error("queued index must not be scheduled twice")
	}

	g.Release(4)
	g.Release(5)
	s.Wait()
}

func TestScheduler_ClearPreloads(t *testing.T) {
	g := newGatedPreload()
	s := newTestScheduler(t, Config{MaxConcurrent: 1}, g.Run, nil)
	ctx := context.Background()

	s.TriggerPreload(ctx, 1)
	g.expectStarted(t, 1)
	s.TriggerPreload(ctx, 2)
	s.TriggerPreload(ctx, 3)

	s.ClearPreloads()
	if q := s.Snapshot().Queued; len(q) != 0 {
		t.Fatalf("expected empty queue, got %v", q)
	}
	if a := s.Snapshot().Active; !slices.Equal(a, []int{1}) {
		t.Fatalf("active task should survive clear, got %v", a)
	}

	g.Release(1)
	s.Wait()
	g.expectNoStart(t)

	if st, ok := s.Status(1); ok {
		t.Errorf("task started before clear should not be recorded, got %s", st)
	}
	if _, ok := s.Status(2); ok {
		t.Error("cleared index 2 should be unknown")
	}
}

func TestScheduler_ClearDiscardsInFlightOutcome(t *testing.T) {
	g := newGatedPreload()
	s := newTestScheduler(t, DefaultConfig(), g.Run, nil)
	ctx := context.Background()

	s.TriggerPreload(ctx, 12)
	g.expectStarted(t, 12)

	// The feed is replaced while 12 is still loading
	s.ClearPreloads()
	g.Release(12)
	s.Wait()

	if done := s.Snapshot().Done; len(done) != 0 {
		t.Fatalf("expected no done indices after clear, got %v", done)
	}

	got := s.RegisterPosition(ctx, 11, 20)
	if !slices.Equal(got, []int{12, 13, 14, 15, 16}) {
		t.Fatalf("expected 12..16 for the new feed, got %v", got)
	}
	for i := 13; i <= 16; i++ {
		g.Release(i)
	}
	s.Wait()

	if done := s.Snapshot().Done; !slices.Equal(done, []int{12, 13, 14, 15, 16}) {
		t.Errorf("expected 12..16 done, got %v", done)
	}

	t.Log("✓ Preloads started before a clear do not count for the new feed")
}

func TestScheduler_FailureFreesSlot(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(16, events.PreloadFailed, events.PreloadCompleted)

	g := newGatedPreload()
	g.fail[1] = true
	s := newTestScheduler(t, Config{MaxConcurrent: 1}, g.Run, bus)
	ctx := context.Background()

	s.TriggerPreload(ctx, 1)
	s.TriggerPreload(ctx, 2)
	g.Release(1)
	g.Release(2)
	s.Wait()

	if st, _ := s.Status(1); st != StatusFailed {
		t.Errorf("expected 1 failed, got %s", st)
	}
	if st, _ := s.Status(2); st != StatusDone {
		t.Errorf("expected 2 done, got %s", st)
	}

	first := <-sub.C()
	second := <-sub.C()
	if first.Type != events.PreloadFailed || first.Index != 1 {
		t.Errorf("unexpected first event %+v", first)
	}
	if second.Type != events.PreloadCompleted || second.Index != 2 {
		t.Errorf("unexpected second event %+v", second)
	}
}

func TestScheduler_IdleGateDefersBody(t *testing.T) {
	g := newGatedPreload()
	gate := NewIdleGate()
	s := NewScheduler(context.Background(), Config{MaxConcurrent: 2}, g.Run, gate, nil, nil, nil)
	defer s.Close()

	gate.BeginInteraction()
	s.TriggerPreload(context.Background(), 7)

	if st, _ := s.Status(7); st != StatusActive {
		t.Fatalf("expected 7 active while gated, got %s", st)
	}
	g.expectNoStart(t)

	gate.EndInteraction()
	g.expectStarted(t, 7)
	g.Release(7)
	s.Wait()

	if gate.Busy() {
		t.Error("gate should be idle")
	}
}

func TestIdleGate_Nested(t *testing.T) {
	gate := NewIdleGate()
	gate.BeginInteraction()
	gate.BeginInteraction()
	gate.EndInteraction()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := gate.WaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected gate still closed, got %v", err)
	}

	gate.EndInteraction()
	gate.EndInteraction() // extra end is ignored
	if err := gate.WaitIdle(context.Background()); err != nil {
		t.Fatalf("expected open gate, got %v", err)
	}
}
