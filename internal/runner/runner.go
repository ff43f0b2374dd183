// Package runner drives jobs through their lifecycle. It is the only writer
// of step progress: it moves a pending job to in_progress, advances
// current_step as it enters each step of the job's plan, and finishes with
// completed or failed. Cancellation written by the API is honoured at step
// boundaries.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/dunamismax/learnflow/internal/events"
	"github.com/dunamismax/learnflow/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
)

type WebhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Options struct {
	Store      store.JobStore
	Activity   store.ActivityStore
	Registry   *Registry
	Broker     events.Broker
	Webhooks   WebhookSender
	Registerer prometheus.Registerer
	Logger     *log.Logger
}

type Runner struct {
	store    store.JobStore
	activity store.ActivityStore
	registry *Registry
	broker   events.Broker
	webhooks WebhookSender
	metrics  *metrics
	tracer   trace.Tracer
	logger   *log.Logger
}

func New(opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("plan registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		store:    opts.Store,
		activity: opts.Activity,
		registry: opts.Registry,
		broker:   opts.Broker,
		webhooks: opts.Webhooks,
		metrics:  newMetrics(opts.Registerer),
		tracer:   otel.Tracer("learnflow/runner"),
		logger:   logger,
	}, nil
}

// Run executes the job to a terminal state and returns the final record.
// Work failures are recorded on the job and Run returns nil for them. A
// non-nil error means the job could not be loaded or written, or ctx ended
// mid-step; the job is left as it was and can be run again.
func (r *Runner) Run(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		r.logger.Printf("job already terminal job_id=%s status=%s", job.ID, job.Status)
		if job.Status == domain.JobStatusCancelled {
			r.dispatchWebhook(ctx, job, EventJobCancelled)
		}
		return job, nil
	}

	ctx, span := r.tracer.Start(ctx, "runner.run")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", job.Kind),
		attribute.String("job.resource_id", job.ResourceID),
	)
	defer span.End()

	planner, ok := r.registry.Lookup(job.Kind)
	if !ok {
		span.SetStatus(codes.Error, "unsupported kind")
		return r.fail(ctx, job, "", fmt.Errorf("unsupported job kind %q", job.Kind))
	}
	plan, err := planner(job)
	if err == nil {
		err = plan.validate()
	}
	if err != nil {
		span.SetStatus(codes.Error, "planning failed")
		return r.fail(ctx, job, "planning", err)
	}

	total := len(plan.Steps)
	span.SetAttributes(attribute.Int("job.total_steps", total))

	switch {
	case job.Status == domain.JobStatusPending:
		job, err = r.apply(ctx, job, domain.Update{
			Status:          domain.Ptr(domain.JobStatusInProgress),
			TotalSteps:      domain.Ptr(total),
			StepDescription: domain.Ptr(plan.Steps[0].Description),
		})
		if err != nil {
			return r.settle(ctx, job, err)
		}
		r.recordActivity(ctx, job, domain.ActivityJobStarted, fmt.Sprintf("total_steps=%d", total))
	case job.TotalSteps != total:
		return r.fail(ctx, job, "planning", fmt.Errorf("plan has %d steps but the job was started with %d", total, job.TotalSteps))
	default:
		r.logger.Printf("resuming job job_id=%s current_step=%d total_steps=%d", job.ID, job.CurrentStep, job.TotalSteps)
	}

	for i, step := range plan.Steps {
		n := i + 1

		current, err := r.store.Get(ctx, job.ID)
		if err != nil {
			return job, fmt.Errorf("reload job %s: %w", job.ID, err)
		}
		if current.Status.IsTerminal() {
			return r.stopped(ctx, current)
		}
		job = current

		if n > job.CurrentStep {
			job, err = r.apply(ctx, job, domain.Update{
				CurrentStep:     domain.Ptr(n),
				StepDescription: domain.Ptr(step.Description),
			})
			if err != nil {
				return r.settle(ctx, job, err)
			}
			r.recordActivity(ctx, job, domain.ActivityJobStep, fmt.Sprintf("step=%d/%d %s", n, total, step.Description))
		}

		if err := r.runStep(ctx, job, n, step); err != nil {
			if ctx.Err() != nil {
				span.SetStatus(codes.Error, "interrupted")
				return job, fmt.Errorf("job %s interrupted at step %d: %w", job.ID, n, ctx.Err())
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "step failed")
			return r.fail(ctx, job, step.Description, err)
		}
	}

	var result json.RawMessage
	if plan.Result != nil {
		result, err = plan.Result()
		if err != nil {
			span.SetStatus(codes.Error, "summary failed")
			return r.fail(ctx, job, "summarizing", err)
		}
	}

	job, err = r.apply(ctx, job, domain.Update{
		Status:          domain.Ptr(domain.JobStatusCompleted),
		StepDescription: domain.Ptr("Completed"),
		Result:          result,
	})
	if err != nil {
		return r.settle(ctx, job, err)
	}

	r.logger.Printf("job completed job_id=%s kind=%s steps=%d", job.ID, job.Kind, total)
	r.recordActivity(ctx, job, domain.ActivityJobCompleted, "")
	r.dispatchWebhook(ctx, job, EventJobCompleted)
	span.SetStatus(codes.Ok, "completed")
	return job, nil
}

// Abandon records cause as the failure of a job whose last delivery attempt
// ended without reaching a terminal state. Terminal jobs are returned as is.
func (r *Runner) Abandon(ctx context.Context, jobID string, cause error) (domain.Job, error) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		return job, nil
	}
	step := ""
	if job.Status == domain.JobStatusInProgress {
		step = job.StepDescription
	}
	return r.fail(ctx, job, step, cause)
}

func (r *Runner) runStep(ctx context.Context, job domain.Job, n int, step Step) (err error) {
	ctx, span := r.tracer.Start(ctx, "runner.step")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("step.index", n),
		attribute.String("step.description", step.Description),
	)
	defer span.End()

	startedAt := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("step panicked: %v", p)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "step failed")
		}
		r.metrics.stepsTotal.WithLabelValues(job.Kind, outcome).Inc()
		r.metrics.stepDuration.WithLabelValues(job.Kind).Observe(time.Since(startedAt).Seconds())
	}()

	return step.Run(ctx)
}

// fail records cause on the job. Jobs that never started are moved through
// in_progress first so the state machine is respected.
func (r *Runner) fail(ctx context.Context, job domain.Job, stepName string, cause error) (domain.Job, error) {
	failure := &domain.RunnerFailure{Step: stepName, Err: cause}
	message := failure.Error()
	if stepName == "" {
		message = cause.Error()
	}
	r.logger.Printf("job failed job_id=%s kind=%s step=%q err=%v", job.ID, job.Kind, stepName, cause)

	var err error
	if job.Status == domain.JobStatusPending {
		job, err = r.apply(ctx, job, domain.Update{
			Status:     domain.Ptr(domain.JobStatusInProgress),
			TotalSteps: domain.Ptr(0),
		})
		if err != nil {
			return r.settle(ctx, job, err)
		}
	}

	job, err = r.apply(ctx, job, domain.Update{
		Status:       domain.Ptr(domain.JobStatusFailed),
		ErrorMessage: domain.Ptr(message),
	})
	if err != nil {
		return r.settle(ctx, job, err)
	}

	r.recordActivity(ctx, job, domain.ActivityJobFailed, message)
	r.dispatchWebhook(ctx, job, EventJobFailed)
	return job, nil
}

// settle handles a rejected or failed write. A transition error means
// another writer moved the job to a terminal state first; anything else is
// returned so the task can be retried.
func (r *Runner) settle(ctx context.Context, job domain.Job, err error) (domain.Job, error) {
	if !errors.Is(err, domain.ErrInvalidTransition) {
		return job, fmt.Errorf("update job %s: %w", job.ID, err)
	}
	current, getErr := r.store.Get(ctx, job.ID)
	if getErr != nil {
		return job, fmt.Errorf("reload job %s: %w", job.ID, getErr)
	}
	if current.Status.IsTerminal() {
		return r.stopped(ctx, current)
	}
	return current, fmt.Errorf("update job %s: %w", job.ID, err)
}

func (r *Runner) stopped(ctx context.Context, job domain.Job) (domain.Job, error) {
	r.logger.Printf("job stopped externally job_id=%s status=%s", job.ID, job.Status)
	if job.Status == domain.JobStatusCancelled {
		r.dispatchWebhook(ctx, job, EventJobCancelled)
	}
	return job, nil
}

// apply writes update and publishes the accepted snapshot.
func (r *Runner) apply(ctx context.Context, job domain.Job, update domain.Update) (domain.Job, error) {
	next, err := r.store.Update(ctx, job.ID, update)
	if err != nil {
		return job, err
	}
	r.publish(ctx, next)
	return next, nil
}

func (r *Runner) publish(ctx context.Context, job domain.Job) {
	if r.broker == nil {
		return
	}
	if err := r.broker.Publish(ctx, job); err != nil {
		r.metrics.sideEffects.WithLabelValues("event").Inc()
		r.logger.Printf("job event publish failed job_id=%s status=%s err=%v", job.ID, job.Status, err)
	}
}

func (r *Runner) recordActivity(ctx context.Context, job domain.Job, action, detail string) {
	if r.activity == nil {
		return
	}
	err := r.activity.RecordActivity(ctx, domain.ActivityEvent{
		JobID:  job.ID,
		Kind:   job.Kind,
		Action: action,
		Detail: detail,
	})
	if err != nil {
		r.metrics.sideEffects.WithLabelValues("activity").Inc()
		r.logger.Printf("activity write failed job_id=%s action=%s err=%v", job.ID, action, err)
	}
}

func (r *Runner) dispatchWebhook(ctx context.Context, job domain.Job, event string) {
	if job.WebhookURL == "" || r.webhooks == nil {
		return
	}

	body := map[string]any{
		"job_id":      job.ID,
		"kind":        job.Kind,
		"resource_id": job.ResourceID,
		"status":      job.Status,
		"progress":    job.Progress,
		"updated_at":  job.UpdatedAt,
	}
	if job.ErrorMessage != "" {
		body["error_message"] = job.ErrorMessage
	}
	if len(job.Result) > 0 {
		body["result"] = job.Result
	}

	if err := r.webhooks.Send(ctx, job.WebhookURL, event, body); err != nil {
		r.metrics.sideEffects.WithLabelValues("webhook").Inc()
		r.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", job.ID, event, err)
	}
}
