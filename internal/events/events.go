// Package events carries feed notifications (preload progress, action
// outcomes, matches, errors) from producers to observers.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names an event
type Type string

const (
	PreloadStarted   Type = "preload.started"
	PreloadCompleted Type = "preload.completed"
	PreloadFailed    Type = "preload.failed"
	ActionPending    Type = "action.pending"
	ActionCommitted  Type = "action.committed"
	ActionFailed     Type = "action.failed"
	MatchCreated     Type = "match.created"
	ErrorRaised      Type = "error.raised"
	ErrorCleared     Type = "error.cleared"
	FeedLoaded       Type = "feed.loaded"
)

// Event is one notification. Fields beyond Type and At are optional.
type Event struct {
	Type      Type      `json:"type"`
	At        time.Time `json:"at"`
	SubjectID string    `json:"subjectId,omitempty"`
	ActorID   string    `json:"actorId,omitempty"`
	Index     int       `json:"index,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	MatchID   string    `json:"matchId,omitempty"`
	Op        string    `json:"op,omitempty"`
	Err       error     `json:"-"`
}

// Publisher is the producer side of the bus
type Publisher interface {
	Publish(e Event)
}

// Bus delivers each published event at most once to every subscriber, in
// publish order per subscriber. Publish never blocks: a subscriber whose
// buffer is full misses the event and its drop counter is incremented.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	now    func() time.Time
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
		now:  time.Now,
	}
}

// Subscription is one observer's ordered event stream
type Subscription struct {
	id      uint64
	bus     *Bus
	filter  map[Type]bool
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
}

// Subscribe registers an observer with the given buffer. When types is
// non-empty only those event types are delivered.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}

	s := &Subscription{
		bus: b,
		ch:  make(chan Event, buffer),
	}
	if len(types) > 0 {
		s.filter = make(map[Type]bool, len(types))
		for _, t := range types {
			s.filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(s.ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Publish fans e out to matching subscribers
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.filter != nil && !s.filter[e.Type] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Close closes every subscription channel
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

// C returns the event channel. It is closed by Unsubscribe or Bus.Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded for this subscriber
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Unsubscribe stops delivery and closes the channel
func (s *Subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
