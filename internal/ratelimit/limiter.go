// Package ratelimit throttles API callers per subject, usually the API key.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// DefaultKeyPrefix namespaces bucket keys in a shared Redis.
const DefaultKeyPrefix = "learnflow:ratelimit"

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Limit is the bucket capacity.
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter is implemented by RedisTokenBucket and MemoryLimiter.
type Limiter interface {
	Allow(ctx context.Context, subject string) (Decision, error)
}

func normalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "anonymous"
	}
	return subject
}
