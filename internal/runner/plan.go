package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dunamismax/learnflow/internal/domain"
)

// Step is one unit of work inside a plan. Steps run in order and may share
// state through the closure that built them.
type Step struct {
	Description string
	Run         func(ctx context.Context) error
}

// Plan is the ordered work for a single job. Result is called once every
// step has succeeded and its output is stored on the completed job.
type Plan struct {
	Steps  []Step
	Result func() (json.RawMessage, error)
}

// Planner builds the plan for a job of one kind. Returning an error fails the
// job before any step runs.
type Planner func(job domain.Job) (*Plan, error)

type Registry struct {
	mu       sync.RWMutex
	planners map[string]Planner
}

func NewRegistry() *Registry {
	return &Registry{planners: make(map[string]Planner)}
}

func (r *Registry) Register(kind string, planner Planner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planners[kind] = planner
}

func (r *Registry) Lookup(kind string) (Planner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	planner, ok := r.planners[kind]
	return planner, ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.planners))
	for kind := range r.planners {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func (p *Plan) validate() error {
	if p == nil || len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	for i, step := range p.Steps {
		if step.Run == nil {
			return fmt.Errorf("step %d (%s) has no work", i+1, step.Description)
		}
	}
	return nil
}
