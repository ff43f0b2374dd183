// Package events fans job snapshots out to live subscribers such as the SSE
// endpoint. Delivery is best-effort: a slow subscriber misses intermediate
// snapshots but always receives the terminal one before its channel closes.
package events

import (
	"context"

	"github.com/dunamismax/learnflow/internal/domain"
)

// Broker publishes job snapshots and hands out per-job subscriptions.
type Broker interface {
	Publish(ctx context.Context, job domain.Job) error
	Subscribe(ctx context.Context, jobID string) (*Subscription, error)
	Close() error
}

// Subscription delivers snapshots for a single job. C is closed after the
// job reaches a terminal status or Cancel is called.
type Subscription struct {
	C      <-chan domain.Job
	cancel func()
}

func (s *Subscription) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

const subscriberBuffer = 32
