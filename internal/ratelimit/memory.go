package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const memoryIdleTTL = 5 * time.Minute

type subjectLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one token bucket per subject in process memory.
// It suits single-replica deployments and tests.
type MemoryLimiter struct {
	mu        sync.Mutex
	subjects  map[string]*subjectLimiter
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

func NewMemoryLimiter(capacity int, window time.Duration) (*MemoryLimiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	return &MemoryLimiter{
		subjects: make(map[string]*subjectLimiter),
		limit:    rate.Limit(float64(capacity) / window.Seconds()),
		burst:    capacity,
		now:      time.Now,
	}, nil
}

func (l *MemoryLimiter) Allow(_ context.Context, subject string) (Decision, error) {
	subject = normalizeSubject(subject)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	entry, ok := l.subjects[subject]
	if !ok {
		entry = &subjectLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.subjects[subject] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return Decision{}, fmt.Errorf("token bucket cannot satisfy request")
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return Decision{Allowed: false, Limit: int64(l.burst), RetryAfter: delay}, nil
	}

	remaining := int64(entry.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: int64(l.burst), Remaining: remaining}, nil
}

func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < memoryIdleTTL {
		return
	}
	l.lastSweep = now
	cutoff := now.Add(-memoryIdleTTL)
	for subject, entry := range l.subjects {
		if entry.lastSeen.Before(cutoff) {
			delete(l.subjects, subject)
		}
	}
}
