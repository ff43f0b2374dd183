// Package api serves the job Status API: job creation, status reads,
// cancellation and live job events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/dunamismax/learnflow/internal/events"
	"github.com/dunamismax/learnflow/internal/id"
	"github.com/dunamismax/learnflow/internal/queue"
	"github.com/dunamismax/learnflow/internal/ratelimit"
	"github.com/dunamismax/learnflow/internal/store"
)

const defaultActivityLimit = 50

type queueEnqueuer interface {
	EnqueueRunJob(ctx context.Context, payload queue.RunJobPayload) (*asynq.TaskInfo, error)
}

type Options struct {
	Logger   *log.Logger
	Jobs     store.JobStore
	Activity store.ActivityStore
	Queue    queueEnqueuer
	Broker   events.Broker
	// RateLimiter is optional; nil disables throttling.
	RateLimiter ratelimit.Limiter
	// RateLimitHeader names the request header identifying the caller for
	// rate limiting. The client IP is used when it is absent.
	RateLimitHeader string
	// APIKeys enables X-API-Key authentication on /v1 when non-empty.
	APIKeys       []string
	PublicBaseURL string
	// Artifacts presigns download links for job outputs; PresignTTL bounds them.
	Artifacts  artifactLinker
	PresignTTL time.Duration
	// Registry receives the API collectors. A fresh registry is created when nil.
	Registry *prometheus.Registry
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
}

type Server struct {
	logger          *log.Logger
	jobs            store.JobStore
	activity        store.ActivityStore
	queueClient     queueEnqueuer
	broker          events.Broker
	rateLimiter     ratelimit.Limiter
	rateLimitHeader string
	apiKeys         [][]byte
	publicBaseURL   string
	artifacts       artifactLinker
	presignTTL      time.Duration
	keepAlive       time.Duration
	metrics         *metrics
	tracer          trace.Tracer
	router          chi.Router
}

func NewServer(opts Options) (*Server, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue client is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	header := strings.TrimSpace(opts.RateLimitHeader)
	if header == "" {
		header = apiKeyHeader
	}

	s := &Server{
		logger:          opts.Logger,
		jobs:            opts.Jobs,
		activity:        opts.Activity,
		queueClient:     opts.Queue,
		broker:          opts.Broker,
		rateLimiter:     opts.RateLimiter,
		rateLimitHeader: header,
		publicBaseURL:   strings.TrimRight(strings.TrimSpace(opts.PublicBaseURL), "/"),
		artifacts:       opts.Artifacts,
		presignTTL:      opts.PresignTTL,
		keepAlive:       opts.KeepAlive,
		metrics:         newMetrics(opts.Registry),
		tracer:          otel.Tracer("learnflow/api"),
	}
	for _, key := range opts.APIKeys {
		if key = strings.TrimSpace(key); key != "" {
			s.apiKeys = append(s.apiKeys, []byte(key))
		}
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.withTracing)
	r.Use(s.metrics.withHTTPMetrics)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Use(s.withAPIKey)
		r.Use(s.withRateLimit)

		r.Post("/", s.handleCreateJob)
		r.Get("/status", s.handleJobStatus)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
		r.Get("/{id}/events", s.handleJobEvents)
		r.Get("/{id}/activity", s.handleJobActivity)
		r.Get("/{id}/artifacts", s.handleJobArtifacts)
	})

	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	job, err := s.jobs.Create(r.Context(), req.Normalized())
	if err != nil {
		s.logger.Printf("create job failed kind=%s err=%v", req.Kind, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	taskInfo, err := s.queueClient.EnqueueRunJob(r.Context(), queue.RunJobPayload{
		JobID:       job.ID,
		Kind:        job.Kind,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()
	s.metrics.jobsCreated.WithLabelValues(job.Kind).Inc()

	s.recordActivity(r.Context(), job, domain.ActivityJobCreated, "job created")
	s.logger.Printf("job created job_id=%s kind=%s resource_id=%s task_id=%s", job.ID, job.Kind, job.ResourceID, taskInfo.ID)

	statusURL := s.statusURL(job.ID)
	w.Header().Set("Location", statusURL)
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"status_url": statusURL,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJob(w, r, r.URL.Query().Get("job_id"))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	s.writeJob(w, r, chi.URLParam(r, "id"))
}

func (s *Server) writeJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := s.loadJob(w, r, jobID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if !validJobID(w, jobID) {
		return
	}

	job, err := s.jobs.Update(r.Context(), jobID, domain.Update{
		Status:          domain.Ptr(domain.JobStatusCancelled),
		StepDescription: domain.Ptr("Cancelled"),
	})
	if err != nil {
		var transition *domain.TransitionError
		if errors.As(err, &transition) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":  "job is already " + string(transition.From),
				"status": string(transition.From),
			})
			return
		}
		s.writeStoreError(w, jobID, err)
		return
	}

	if s.broker != nil {
		if err := s.broker.Publish(r.Context(), job); err != nil {
			s.logger.Printf("publish cancel failed job_id=%s err=%v", job.ID, err)
		}
	}
	s.recordActivity(r.Context(), job, domain.ActivityJobCancelled, "cancelled via api")
	s.logger.Printf("job cancelled job_id=%s", job.ID)

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobActivity(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if s.activity == nil {
		writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "activity": []activityView{}})
		return
	}

	limit := defaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	entries, err := s.activity.ListActivity(r.Context(), job.ID, limit)
	if err != nil {
		s.logger.Printf("list activity failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load activity"})
		return
	}

	views := make([]activityView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, activityView{
			Action:    entry.Action,
			Detail:    entry.Detail,
			CreatedAt: entry.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "activity": views})
}

type activityView struct {
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// loadJob resolves jobID and writes the error response itself when it fails.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request, jobID string) (domain.Job, bool) {
	if !validJobID(w, jobID) {
		return domain.Job{}, false
	}
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		s.writeStoreError(w, jobID, err)
		return domain.Job{}, false
	}
	return job, true
}

func validJobID(w http.ResponseWriter, jobID string) bool {
	if strings.TrimSpace(jobID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job_id is required"})
		return false
	}
	if !id.Valid(jobID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job_id must be a UUID"})
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	s.logger.Printf("job store failed job_id=%s err=%v", jobID, err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
}

func (s *Server) recordActivity(ctx context.Context, job domain.Job, action, detail string) {
	if s.activity == nil {
		return
	}
	err := s.activity.RecordActivity(ctx, domain.ActivityEvent{
		JobID:     job.ID,
		Kind:      job.Kind,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Printf("record activity failed job_id=%s action=%s err=%v", job.ID, action, err)
	}
}

func (s *Server) statusURL(jobID string) string {
	return fmt.Sprintf("%s/v1/jobs/status?job_id=%s", s.publicBaseURL, jobID)
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
