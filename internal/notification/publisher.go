// Package notification forwards mutual matches to downstream consumers.
package notification

import (
	"context"
	"fmt"

	"github.com/agatticelli/feedsync/internal/action"
	"github.com/agatticelli/feedsync/internal/platform/aws"
	"github.com/agatticelli/feedsync/internal/platform/observability"
	"go.opentelemetry.io/otel/attribute"
)

// MatchPublisher delivers a match notification
type MatchPublisher interface {
	PublishMatch(ctx context.Context, m action.Match) error
	CircuitBreakerState() string
}

// Publisher publishes matches to SNS
type Publisher struct {
	snsClient *aws.SNSClient
	topicARN  string
	logger    *observability.Logger
	tracer    observability.Tracer
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	SNSClient *aws.SNSClient
	TopicARN  string
	Logger    *observability.Logger
	Tracer    observability.Tracer
}

// NewPublisher creates a new match publisher
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.SNSClient == nil {
		return nil, fmt.Errorf("SNS client is required")
	}
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	return &Publisher{
		snsClient: cfg.SNSClient,
		topicARN:  cfg.TopicARN,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
	}, nil
}

// PublishMatch publishes one match as JSON. Actor and subject travel as
// message attributes so subscribers can filter without decoding.
func (p *Publisher) PublishMatch(ctx context.Context, m action.Match) error {
	ctx, span := p.tracer.StartSpan(
		ctx,
		"Publisher.PublishMatch",
		observability.WithAttributes(
			attribute.String("match_id", m.MatchID),
			attribute.String("topic_arn", p.topicARN),
		),
	)
	defer span.End()

	attributes := map[string]string{
		"actorId":   m.ActorID,
		"subjectId": m.SubjectID,
	}

	if err := p.snsClient.Publish(ctx, p.topicARN, m, attributes); err != nil {
		span.NoticeError(err)
		return fmt.Errorf("publish match %s: %w", m.MatchID, err)
	}

	p.logger.LogInfo(ctx, "published match to SNS",
		"match_id", m.MatchID,
		"subject_id", m.SubjectID,
		"topic_arn", p.topicARN,
	)
	return nil
}

// CircuitBreakerState returns the current circuit breaker state
func (p *Publisher) CircuitBreakerState() string {
	return p.snsClient.CircuitBreakerState().String()
}
