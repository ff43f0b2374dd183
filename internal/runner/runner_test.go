package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"testing"

	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/dunamismax/learnflow/internal/events"
	"github.com/dunamismax/learnflow/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedWebhook struct {
	endpoint string
	event    string
}

type fakeWebhooks struct {
	mu   sync.Mutex
	sent []recordedWebhook
	err  error
}

func (f *fakeWebhooks) Send(_ context.Context, endpoint, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedWebhook{endpoint: endpoint, event: event})
	return f.err
}

func (f *fakeWebhooks) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.event)
	}
	return out
}

type failingActivity struct{}

func (failingActivity) RecordActivity(context.Context, domain.ActivityEvent) error {
	return errors.New("activity table unavailable")
}

func (failingActivity) ListActivity(context.Context, string, int) ([]domain.ActivityEvent, error) {
	return nil, nil
}

type harness struct {
	store    *store.MemoryJobStore
	registry *Registry
	webhooks *fakeWebhooks
	broker   *events.MemoryBroker
	runner   *Runner
	logs     *bytes.Buffer
}

func newHarness(t *testing.T, activity store.ActivityStore) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryJobStore(),
		registry: NewRegistry(),
		webhooks: &fakeWebhooks{},
		broker:   events.NewMemoryBroker(),
		logs:     &bytes.Buffer{},
	}
	if activity == nil {
		activity = h.store
	}
	r, err := New(Options{
		Store:      h.store,
		Activity:   activity,
		Registry:   h.registry,
		Broker:     h.broker,
		Webhooks:   h.webhooks,
		Registerer: prometheus.NewRegistry(),
		Logger:     log.New(h.logs, "[runner] ", 0),
	})
	require.NoError(t, err)
	h.runner = r
	return h
}

func (h *harness) create(t *testing.T, kind string) domain.Job {
	t.Helper()
	job, err := h.store.Create(context.Background(), domain.NewJob{
		Kind:       kind,
		ResourceID: "course-7",
		WebhookURL: "https://hooks.example.com/learnflow",
	})
	require.NoError(t, err)
	return job
}

func countingPlan(steps int, seen *[]domain.Job, st store.JobStore, jobID string, failAt int) Planner {
	return func(domain.Job) (*Plan, error) {
		plan := &Plan{Result: func() (json.RawMessage, error) {
			return json.RawMessage(`{"steps":` + string(rune('0'+steps)) + `}`), nil
		}}
		for i := 1; i <= steps; i++ {
			i := i
			plan.Steps = append(plan.Steps, Step{
				Description: "step " + string(rune('0'+i)),
				Run: func(ctx context.Context) error {
					job, err := st.Get(ctx, jobID)
					if err != nil {
						return err
					}
					*seen = append(*seen, job)
					if i == failAt {
						return errors.New("generation service unavailable")
					}
					return nil
				},
			})
		}
		return plan, nil
	}
}

func TestRunAdvancesThroughEveryStep(t *testing.T) {
	h := newHarness(t, nil)
	job := h.create(t, domain.KindCourseContent)

	var seen []domain.Job
	h.registry.Register(domain.KindCourseContent, countingPlan(3, &seen, h.store, job.ID, 0))

	sub, err := h.broker.Subscribe(context.Background(), job.ID)
	require.NoError(t, err)

	final, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, 3, final.CurrentStep)
	assert.Equal(t, 3, final.TotalSteps)
	assert.JSONEq(t, `{"steps":3}`, string(final.Result))

	require.Len(t, seen, 3)
	for i, snapshot := range seen {
		assert.Equal(t, domain.JobStatusInProgress, snapshot.Status)
		assert.Equal(t, i+1, snapshot.CurrentStep)
		assert.Equal(t, domain.StepProgress(i+1, 3), snapshot.Progress)
		if i > 0 {
			assert.GreaterOrEqual(t, snapshot.Progress, seen[i-1].Progress)
			assert.True(t, snapshot.UpdatedAt.After(seen[i-1].UpdatedAt))
		}
	}

	var published []domain.Job
	for snapshot := range sub.C {
		published = append(published, snapshot)
	}
	require.NotEmpty(t, published)
	assert.Equal(t, domain.JobStatusCompleted, published[len(published)-1].Status)

	assert.Equal(t, []string{EventJobCompleted}, h.webhooks.events())

	activity, err := h.store.ListActivity(context.Background(), job.ID, 0)
	require.NoError(t, err)
	require.Len(t, activity, 5)
	assert.Equal(t, domain.ActivityJobStarted, activity[0].Action)
	assert.Equal(t, domain.ActivityJobCompleted, activity[4].Action)
}

func TestRunRecordsFailureAtStep(t *testing.T) {
	h := newHarness(t, nil)
	job := h.create(t, domain.KindCourseContent)

	var seen []domain.Job
	h.registry.Register(domain.KindCourseContent, countingPlan(3, &seen, h.store, job.ID, 2))

	final, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Equal(t, 2, final.CurrentStep)
	assert.Contains(t, final.ErrorMessage, "generation service unavailable")
	assert.Contains(t, final.ErrorMessage, "step 2")
	assert.Len(t, seen, 2)
	assert.Equal(t, []string{EventJobFailed}, h.webhooks.events())

	stored, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, final, stored)
}

func TestRunIsIdempotentForTerminalJobs(t *testing.T) {
	h := newHarness(t, nil)
	job := h.create(t, domain.KindEnrollment)

	var seen []domain.Job
	h.registry.Register(domain.KindEnrollment, countingPlan(2, &seen, h.store, job.ID, 0))

	first, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	second, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, seen, 2)
	assert.Equal(t, []string{EventJobCompleted}, h.webhooks.events())
}

func TestRunFailsUnknownKind(t *testing.T) {
	h := newHarness(t, nil)
	job := h.create(t, domain.KindSkillExtraction)

	final, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "unsupported job kind")
	assert.Equal(t, 0, final.TotalSteps)
}

func TestRunFailsWhenPlannerRejectsJob(t *testing.T) {
	h := newHarness(t, nil)
	job := h.create(t, domain.KindLearningPath)
	h.registry.Register(domain.KindLearningPath, func(domain.Job) (*Plan, error) {
		return nil, errors.New("employee profile missing role")
	})

	final, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "employee profile missing role")
}

func TestRunStopsAtBoundaryAfterCancel(t *testing.T) {
	h := newHarness(t, nil)
	job := h.create(t, domain.KindCourseContent)

	ran := 0
	h.registry.Register(domain.KindCourseContent, func(domain.Job) (*Plan, error) {
		return &Plan{Steps: []Step{
			{Description: "first", Run: func(ctx context.Context) error {
				ran++
				_, err := h.store.Update(ctx, job.ID, domain.Update{
					Status:       domain.Ptr(domain.JobStatusCancelled),
					ErrorMessage: domain.Ptr("cancelled by operator"),
				})
				return err
			}},
			{Description: "second", Run: func(context.Context) error {
				ran++
				return nil
			}},
		}}, nil
	})

	final, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusCancelled, final.Status)
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, final.CurrentStep)
	assert.Equal(t, []string{EventJobCancelled}, h.webhooks.events())
}

func TestRunLeavesJobRunnableWhenContextEnds(t *testing.T) {
	h := newHarness(t, nil)
	job := h.create(t, domain.KindCourseContent)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	h.registry.Register(domain.KindCourseContent, func(domain.Job) (*Plan, error) {
		return &Plan{Steps: []Step{
			{Description: "only", Run: func(ctx context.Context) error {
				attempts++
				if attempts == 1 {
					cancel()
					return ctx.Err()
				}
				return nil
			}},
		}}, nil
	})

	_, err := h.runner.Run(ctx, job.ID)
	require.ErrorIs(t, err, context.Canceled)

	interrupted, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, interrupted.Status)

	final, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.Equal(t, 2, attempts)
}

func TestAbandonFailsInterruptedJob(t *testing.T) {
	h := newHarness(t, nil)
	job := h.create(t, domain.KindCourseContent)

	ctx, cancel := context.WithCancel(context.Background())
	h.registry.Register(domain.KindCourseContent, func(domain.Job) (*Plan, error) {
		return &Plan{Steps: []Step{
			{Description: "Loading course outline", Run: func(context.Context) error { return nil }},
			{Description: "Generating module content", Run: func(ctx context.Context) error {
				cancel()
				return ctx.Err()
			}},
		}}, nil
	})

	_, err := h.runner.Run(ctx, job.ID)
	require.ErrorIs(t, err, context.Canceled)

	failed, err := h.runner.Abandon(context.Background(), job.ID, errors.New("task deadline exceeded"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, 2, failed.CurrentStep)
	assert.Contains(t, failed.ErrorMessage, "Generating module content")
	assert.Contains(t, failed.ErrorMessage, "task deadline exceeded")
	assert.Contains(t, h.webhooks.events(), EventJobFailed)

	again, err := h.runner.Abandon(context.Background(), job.ID, errors.New("second call"))
	require.NoError(t, err)
	assert.Equal(t, failed.ErrorMessage, again.ErrorMessage, "terminal jobs are left alone")
}

func TestAbandonFailsPendingJob(t *testing.T) {
	h := newHarness(t, nil)
	job := h.create(t, domain.KindEnrollment)

	failed, err := h.runner.Abandon(context.Background(), job.ID, errors.New("job store unavailable"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, "job store unavailable", failed.ErrorMessage)
}

func TestRunSideEffectFailuresDoNotBlockTransitions(t *testing.T) {
	h := newHarness(t, failingActivity{})
	h.webhooks.err = errors.New("endpoint down")
	job := h.create(t, domain.KindEnrollment)

	var seen []domain.Job
	h.registry.Register(domain.KindEnrollment, countingPlan(2, &seen, h.store, job.ID, 0))

	final, err := h.runner.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.Contains(t, h.logs.String(), "activity write failed")
	assert.Contains(t, h.logs.String(), "webhook delivery failed")
}

func TestRunReportsMissingJob(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.runner.Run(context.Background(), "0192f1a4-7b8e-7c3d-9e5f-0a1b2c3d4e5f")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistryKindsAreSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(domain.KindSkillExtraction, nil)
	r.Register(domain.KindCourseContent, nil)
	assert.Equal(t, []string{domain.KindCourseContent, domain.KindSkillExtraction}, r.Kinds())
}
