package queue

import (
	"context"
	"fmt"

	"github.com/truthlayer/core/pkg/contracts"
)

// ReviewQueue is the durable queue consumed by the human-review frontend.
const ReviewQueue = "reviews"

// ReviewSink produces escalations to the review queue. Jobs are dedup'd per
// conflict, so a retried workflow step cannot enqueue a second review
// request for the same decision.
type ReviewSink struct {
	dispatcher Dispatcher
}

// NewReviewSink wraps a dispatcher.
func NewReviewSink(d Dispatcher) *ReviewSink {
	return &ReviewSink{dispatcher: d}
}

// PublishEscalation implements the workflow's escalation sink.
func (s *ReviewSink) PublishEscalation(ctx context.Context, esc *contracts.Escalation) error {
	key, err := IdempotencyKey(ReviewQueue, []string{esc.ConflictID})
	if err != nil {
		return err
	}
	if err := s.dispatcher.Enqueue(ctx, ReviewQueue, esc, key); err != nil {
		return fmt.Errorf("publish escalation for conflict %s: %w", esc.ConflictID, err)
	}
	return nil
}
