package events

import (
	"testing"
	"time"
)

func TestBus_OrderedDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(10)
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: PreloadStarted, Index: i})
	}

	for i := 0; i < 5; i++ {
		select {
		case e := <-sub.C():
			if e.Index != i {
				t.Fatalf("Expected index %d, got %d", i, e.Index)
			}
			if e.At.IsZero() {
				t.Error("Expected timestamp to be set")
			}
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for event")
		}
	}
}

func TestBus_FilterAndFanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.Subscribe(10)
	matches := bus.Subscribe(10, MatchCreated)

	bus.Publish(Event{Type: ActionCommitted, SubjectID: "p1"})
	bus.Publish(Event{Type: MatchCreated, SubjectID: "p1", MatchID: "m1"})

	if got := len(all.C()); got != 2 {
		t.Errorf("Expected 2 events for unfiltered subscriber, got %d", got)
	}
	if got := len(matches.C()); got != 1 {
		t.Fatalf("Expected 1 match event, got %d", got)
	}
	if e := <-matches.C(); e.MatchID != "m1" {
		t.Errorf("Expected m1, got %q", e.MatchID)
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(2)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: ErrorRaised})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if sub.Dropped() != 8 {
		t.Errorf("Expected 8 dropped, got %d", sub.Dropped())
	}
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	sub.Unsubscribe()

	if _, ok := <-sub.C(); ok {
		t.Error("Expected closed channel after Unsubscribe")
	}

	other := bus.Subscribe(1)
	bus.Close()
	bus.Publish(Event{Type: FeedLoaded})
	sub.Unsubscribe()

	if _, ok := <-other.C(); ok {
		t.Error("Expected closed channel after Close")
	}
}
