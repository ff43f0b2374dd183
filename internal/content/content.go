// Package content holds the work units a job can run. Each kind registers a
// runner.Planner that turns the job's options into an ordered step plan.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/dunamismax/learnflow/internal/llm"
	"github.com/dunamismax/learnflow/internal/runner"
	"github.com/dunamismax/learnflow/internal/storage"
)

// EmployeeDirectory resolves which employee ids exist. It is optional; when
// absent enrollment only checks id shape and duplicates.
type EmployeeDirectory interface {
	Missing(ctx context.Context, employeeIDs []string) ([]string, error)
}

type Deps struct {
	LLM       llm.Completer
	Artifacts storage.ArtifactStore
	Directory EmployeeDirectory
	Logger    *log.Logger
	Now       func() time.Time
}

type units struct {
	llm       llm.Completer
	artifacts storage.ArtifactStore
	directory EmployeeDirectory
	logger    *log.Logger
	now       func() time.Time
	sanitizer *sanitizer
}

// Register adds every work unit to registry.
func Register(registry *runner.Registry, deps Deps) error {
	if deps.Artifacts == nil {
		return fmt.Errorf("artifact store is required")
	}
	if deps.LLM == nil {
		return fmt.Errorf("llm client is required")
	}
	u := &units{
		llm:       deps.LLM,
		artifacts: deps.Artifacts,
		directory: deps.Directory,
		logger:    deps.Logger,
		now:       deps.Now,
		sanitizer: newSanitizer(),
	}
	if u.logger == nil {
		u.logger = log.Default()
	}
	if u.now == nil {
		u.now = time.Now
	}

	registry.Register(domain.KindCourseContent, u.coursePlan)
	registry.Register(domain.KindLearningPath, u.learningPathPlan)
	registry.Register(domain.KindEnrollment, u.enrollmentPlan)
	registry.Register(domain.KindSkillExtraction, u.skillPlan)
	return nil
}

func (u *units) writeJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return u.artifacts.WriteObject(ctx, key, data, storage.ContentTypeFor(key))
}

func (u *units) complete(ctx context.Context, system, prompt string) (string, error) {
	out, err := u.llm.Complete(ctx, []llm.Message{llm.System(system), llm.User(prompt)})
	if err != nil {
		return "", err
	}
	return llm.StripCodeFence(out), nil
}

func summary(v any) func() (json.RawMessage, error) {
	return func() (json.RawMessage, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal job result: %w", err)
		}
		return data, nil
	}
}
