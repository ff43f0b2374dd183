package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/learnflow/internal/config"
	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/dunamismax/learnflow/internal/queue"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger  *log.Logger
	server  *asynq.Server
	sem     chan struct{}
	runner  jobRunner
	metrics *metrics
	tracer  trace.Tracer
	// attempts reports the retry count and retry limit of the running task.
	attempts func(context.Context) (retried, maxRetry int, ok bool)
}

// abandonTimeout bounds the write that fails a job after its last attempt.
const abandonTimeout = 10 * time.Second

type jobRunner interface {
	Run(ctx context.Context, jobID string) (domain.Job, error)
	Abandon(ctx context.Context, jobID string, cause error) (domain.Job, error)
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	runner jobRunner,
	registry *prometheus.Registry,
) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("job runner is required")
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:      make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		runner:   runner,
		metrics:  newMetrics(registry),
		tracer:   otel.Tracer("learnflow/worker"),
		attempts: taskAttempts,
	}
	return s, nil
}

func (s *Server) taskAttempts(ctx context.Context) (int, int, bool) {
	if s.attempts == nil {
		return 0, 0, false
	}
	return s.attempts(ctx)
}

func taskAttempts(ctx context.Context) (int, int, bool) {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return 0, 0, false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return retried, maxRetry, ok
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRunJob, s.handleRunJob)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRunJob(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseRunJobPayload(task)
	if err != nil {
		s.metrics.retriedTotal.WithLabelValues("false").Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	return s.process(ctx, payload)
}

// process runs one job. Work failures are already recorded on the job by the
// runner, so only interruptions and load/store problems reach asynq: a
// missing job is dropped and anything else is retried. On the last attempt
// the job is failed instead so it cannot stay in_progress forever.
func (s *Server) process(ctx context.Context, payload queue.RunJobPayload) error {
	startedAt := time.Now()
	kind := payload.Kind
	outcome := "error"

	ctx, span := s.tracer.Start(ctx, "worker.run_job", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.kind", payload.Kind),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(kind, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(kind, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf("Working... job_id=%s kind=%s requested_at=%s", payload.JobID, payload.Kind, payload.RequestedAt.Format(time.RFC3339))

	job, err := s.runner.Run(ctx, payload.JobID)
	if job.Kind != "" {
		kind = job.Kind
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		if errors.Is(err, domain.ErrNotFound) {
			outcome = "missing"
			s.metrics.retriedTotal.WithLabelValues("false").Inc()
			return fmt.Errorf("run job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
		}
		if retried, maxRetry, ok := s.taskAttempts(ctx); ok && retried >= maxRetry {
			job, abandonErr := s.abandon(ctx, payload.JobID, fmt.Errorf("gave up after %d attempts: %w", retried+1, err))
			if abandonErr == nil {
				outcome = string(job.Status)
				s.metrics.retriedTotal.WithLabelValues("false").Inc()
				return nil
			}
			s.logger.Printf("abandon failed job_id=%s err=%v", payload.JobID, abandonErr)
		}
		s.metrics.retriedTotal.WithLabelValues("true").Inc()
		return fmt.Errorf("run job %s: %w", payload.JobID, err)
	}

	outcome = string(job.Status)
	s.logger.Printf("Finished job_id=%s kind=%s status=%s progress=%d", job.ID, job.Kind, job.Status, job.Progress)
	if job.Status == domain.JobStatusFailed {
		span.SetStatus(codes.Error, "job failed")
	} else {
		span.SetStatus(codes.Ok, string(job.Status))
	}
	return nil
}

// abandon fails the job on a context detached from the expired task deadline.
func (s *Server) abandon(ctx context.Context, jobID string, cause error) (domain.Job, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()

	job, err := s.runner.Abandon(ctx, jobID, cause)
	if err != nil {
		return job, err
	}
	s.logger.Printf("job abandoned after final attempt job_id=%s status=%s err=%v", job.ID, job.Status, cause)
	return job, nil
}
