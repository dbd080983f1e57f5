package notification

import (
	"context"
	"sync"

	"github.com/agatticelli/feedsync/internal/action"
	"github.com/agatticelli/feedsync/internal/events"
	"github.com/agatticelli/feedsync/internal/platform/observability"
)

// Forwarder drains MatchCreated events from the bus into a MatchPublisher.
// Publish failures are logged and dropped; the match is already committed.
type Forwarder struct {
	sub       *events.Subscription
	publisher MatchPublisher
	logger    *observability.Logger

	wg sync.WaitGroup
}

// NewForwarder subscribes to the bus and starts forwarding until ctx is done
// or Close is called.
func NewForwarder(ctx context.Context, bus *events.Bus, publisher MatchPublisher, logger *observability.Logger) *Forwarder {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	f := &Forwarder{
		sub:       bus.Subscribe(32, events.MatchCreated),
		publisher: publisher,
		logger:    logger.WithComponent("notification"),
	}

	f.wg.Add(1)
	go f.run(ctx)
	return f
}

func (f *Forwarder) run(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case ev, ok := <-f.sub.C():
			if !ok {
				return
			}
			m := action.Match{
				MatchID:   ev.MatchID,
				SubjectID: ev.SubjectID,
				ActorID:   ev.ActorID,
				At:        ev.At,
			}
			if err := f.publisher.PublishMatch(ctx, m); err != nil {
				f.logger.LogError(ctx, "match notification failed", err, "match_id", m.MatchID)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Dropped reports matches lost because the subscription buffer was full
func (f *Forwarder) Dropped() int64 {
	return f.sub.Dropped()
}

// Close stops forwarding and waits for the in-flight publish
func (f *Forwarder) Close() {
	f.sub.Unsubscribe()
	f.wg.Wait()
}
