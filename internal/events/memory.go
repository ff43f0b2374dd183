package events

import (
	"context"
	"sync"

	"github.com/dunamismax/learnflow/internal/domain"
)

type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[chan domain.Job]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[chan domain.Job]struct{})}
}

func (b *MemoryBroker) Subscribe(_ context.Context, jobID string) (*Subscription, error) {
	ch := make(chan domain.Job, subscriberBuffer)

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan domain.Job]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	return &Subscription{C: ch, cancel: func() { b.remove(jobID, ch) }}, nil
}

// Publish never blocks. Terminal snapshots are delivered by replacing the
// oldest buffered snapshot when a subscriber is full, then every channel for
// the job is closed.
func (b *MemoryBroker) Publish(_ context.Context, job domain.Job) error {
	if job.Status.IsTerminal() {
		b.mu.Lock()
		chans := b.subs[job.ID]
		delete(b.subs, job.ID)
		b.mu.Unlock()

		for ch := range chans {
			deliverFinal(ch, job)
			close(ch)
		}
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[job.ID] {
		select {
		case ch <- job:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for jobID, chans := range b.subs {
		for ch := range chans {
			close(ch)
		}
		delete(b.subs, jobID)
	}
	return nil
}

func (b *MemoryBroker) remove(jobID string, ch chan domain.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans, ok := b.subs[jobID]
	if !ok {
		return
	}
	if _, ok := chans[ch]; !ok {
		return
	}
	delete(chans, ch)
	close(ch)
	if len(chans) == 0 {
		delete(b.subs, jobID)
	}
}

func deliverFinal(ch chan domain.Job, job domain.Job) {
	for {
		select {
		case ch <- job:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
