package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/dunamismax/learnflow/internal/id"
)

type memoryEntry struct {
	mu  sync.Mutex
	job domain.Job
}

// MemoryJobStore keeps jobs in process memory. The map lock only guards
// membership; each record has its own lock so updates to different jobs
// never wait on each other.
type MemoryJobStore struct {
	mu       sync.RWMutex
	jobs     map[string]*memoryEntry
	activity []domain.ActivityEvent
	now      func() time.Time
	newID    func() string
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:  make(map[string]*memoryEntry),
		now:   time.Now,
		newID: id.New,
	}
}

func (s *MemoryJobStore) Create(_ context.Context, input domain.NewJob) (domain.Job, error) {
	job := domain.NewPendingJob(s.newID(), input, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return domain.Job{}, domain.NewStorageError("insert job", errDuplicateID)
	}
	s.jobs[job.ID] = &memoryEntry{job: job}
	return job, nil
}

func (s *MemoryJobStore) Get(_ context.Context, jobID string) (domain.Job, error) {
	entry, ok := s.entry(jobID)
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.job, nil
}

func (s *MemoryJobStore) Update(_ context.Context, jobID string, update domain.Update) (domain.Job, error) {
	entry, ok := s.entry(jobID)
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	next, err := domain.ApplyUpdate(entry.job, update, s.now())
	if err != nil {
		return entry.job, err
	}
	entry.job = next
	return next, nil
}

func (s *MemoryJobStore) RecordActivity(_ context.Context, event domain.ActivityEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, event)
	return nil
}

func (s *MemoryJobStore) ListActivity(_ context.Context, jobID string, limit int) ([]domain.ActivityEvent, error) {
	limit = clampActivityLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ActivityEvent, 0)
	for _, event := range s.activity {
		if event.JobID != jobID {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryJobStore) Close() error {
	return nil
}

func (s *MemoryJobStore) entry(jobID string) (*memoryEntry, bool) {
	if !id.Valid(jobID) {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.jobs[jobID]
	return entry, ok
}
