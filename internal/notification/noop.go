package notification

import (
	"context"

	"github.com/agatticelli/feedsync/internal/action"
	"github.com/agatticelli/feedsync/internal/platform/observability"
)

// NoOpPublisher only logs matches.
// Use this when SNS is not configured (local development, testing).
type NoOpPublisher struct {
	logger *observability.Logger
}

// NewNoOpPublisher creates a new no-op publisher
func NewNoOpPublisher(logger *observability.Logger) *NoOpPublisher {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &NoOpPublisher{logger: logger}
}

// PublishMatch logs the match instead of publishing to SNS
func (p *NoOpPublisher) PublishMatch(ctx context.Context, m action.Match) error {
	p.logger.LogInfo(ctx, "match created (SNS disabled)",
		"match_id", m.MatchID,
		"subject_id", m.SubjectID,
		"actor_id", m.ActorID,
	)
	return nil
}

// CircuitBreakerState returns "closed" since there's no circuit breaker
func (p *NoOpPublisher) CircuitBreakerState() string {
	return "closed"
}
