package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/dunamismax/learnflow/internal/domain"
)

type JobStore interface {
	Create(ctx context.Context, job domain.NewJob) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	Update(ctx context.Context, id string, update domain.Update) (domain.Job, error)
}

// ActivityStore keeps the best-effort activity trail written next to job updates.
type ActivityStore interface {
	RecordActivity(ctx context.Context, event domain.ActivityEvent) error
	ListActivity(ctx context.Context, jobID string, limit int) ([]domain.ActivityEvent, error)
}

type Backend interface {
	JobStore
	ActivityStore
	Close() error
}

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Open builds the backend named by driver. dsn is a file path for sqlite and
// a connection string for postgres; it is ignored for memory.
func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", BackendMemory:
		return NewMemoryJobStore(), nil
	case BackendSQLite:
		s, err := NewSQLiteJobStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		s, err := NewPostgresJobStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", driver)
	}
}

func clampActivityLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
