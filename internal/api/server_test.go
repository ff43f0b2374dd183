package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/dunamismax/learnflow/internal/events"
	"github.com/dunamismax/learnflow/internal/id"
	"github.com/dunamismax/learnflow/internal/queue"
	"github.com/dunamismax/learnflow/internal/ratelimit"
	"github.com/dunamismax/learnflow/internal/storage"
	"github.com/dunamismax/learnflow/internal/store"
)

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.RunJobPayload
	err      error
}

func (q *fakeQueue) EnqueueRunJob(_ context.Context, payload queue.RunJobPayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default"}, nil
}

func (q *fakeQueue) enqueued() []queue.RunJobPayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.RunJobPayload(nil), q.payloads...)
}

type brokenStore struct {
	store.JobStore
}

func (brokenStore) Get(context.Context, string) (domain.Job, error) {
	return domain.Job{}, domain.NewStorageError("select job", errors.New("connection refused"))
}

type testEnv struct {
	server *Server
	store  *store.MemoryJobStore
	queue  *fakeQueue
	broker *events.MemoryBroker
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  store.NewMemoryJobStore(),
		queue:  &fakeQueue{},
		broker: events.NewMemoryBroker(),
	}
	opts := Options{
		Jobs:          env.store,
		Activity:      env.store,
		Queue:         env.queue,
		Broker:        env.broker,
		PublicBaseURL: "https://learn.example.com/",
		KeepAlive:     time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env.server = srv
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createJob(t *testing.T, kind string) domain.Job {
	t.Helper()
	job, err := e.store.Create(context.Background(), domain.NewJob{Kind: kind, ResourceID: "course-42"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreateJobReturnsCreatedAndEnqueues(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/jobs", `{"kind":"course_content","resource_id":"course-42","options":{"module_count":2}}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}

	body := decodeBody[map[string]string](t, rec)
	jobID := body["job_id"]
	if !id.Valid(jobID) {
		t.Fatalf("expected uuid job id, got %q", jobID)
	}
	if body["status"] != string(domain.JobStatusPending) {
		t.Fatalf("expected pending status, got %q", body["status"])
	}
	if want := "https://learn.example.com/v1/jobs/status?job_id=" + jobID; body["status_url"] != want {
		t.Fatalf("expected status_url %q, got %q", want, body["status_url"])
	}
	if got := rec.Header().Get("Location"); got != body["status_url"] {
		t.Fatalf("expected Location %q, got %q", body["status_url"], got)
	}

	payloads := env.queue.enqueued()
	if len(payloads) != 1 || payloads[0].JobID != jobID || payloads[0].Kind != domain.KindCourseContent {
		t.Fatalf("unexpected enqueued payloads %+v", payloads)
	}

	stored, err := env.store.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get stored job: %v", err)
	}
	if stored.ResourceID != "course-42" || stored.Status != domain.JobStatusPending {
		t.Fatalf("unexpected stored job %+v", stored)
	}

	activity, err := env.store.ListActivity(context.Background(), jobID, 10)
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if len(activity) != 1 || activity[0].Action != domain.ActivityJobCreated {
		t.Fatalf("expected job.created activity, got %+v", activity)
	}
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "missing kind", body: `{"resource_id":"x"}`},
		{name: "unknown kind", body: `{"kind":"payroll","resource_id":"x"}`},
		{name: "missing resource", body: `{"kind":"course_content"}`},
		{name: "unknown field", body: `{"kind":"course_content","resource_id":"x","priority":1}`},
		{name: "bad webhook", body: `{"kind":"course_content","resource_id":"x","webhook_url":"ftp://x"}`},
		{name: "bad options", body: `{"kind":"enrollment","resource_id":"c1","options":{"employee_ids":[]}}`},
		{name: "trailing value", body: `{"kind":"course_content","resource_id":"x"}{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/jobs", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
			}
			if decodeBody[map[string]string](t, rec)["error"] == "" {
				t.Fatal("expected error message")
			}
		})
	}
	if got := len(env.queue.enqueued()); got != 0 {
		t.Fatalf("expected nothing enqueued, got %d", got)
	}
}

func TestCreateJobEnqueueFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.queue.err = errors.New("redis down")

	rec := env.do(t, http.MethodPost, "/v1/jobs", `{"kind":"course_content","resource_id":"course-42"}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestStatusMalformedIDIsBadRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, target := range []string{
		"/v1/jobs/status?job_id=not-a-uuid",
		"/v1/jobs/status",
		"/v1/jobs/not-a-uuid",
	} {
		rec := env.do(t, http.MethodGet, target, "", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestStatusUnknownIDIsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	missing := id.New()

	for _, target := range []string{
		"/v1/jobs/status?job_id=" + missing,
		"/v1/jobs/" + missing,
	} {
		rec := env.do(t, http.MethodGet, target, "", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", target, rec.Code)
		}
	}
}

func TestStatusStorageFailureIsServerError(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Jobs = brokenStore{JobStore: o.Jobs}
	})

	rec := env.do(t, http.MethodGet, "/v1/jobs/status?job_id="+id.New(), "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatal("storage details must not leak to callers")
	}
}

func TestStatusReportsFailedJob(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.createJob(t, domain.KindCourseContent)
	ctx := context.Background()

	if _, err := env.store.Update(ctx, job.ID, domain.Update{
		Status:      domain.Ptr(domain.JobStatusInProgress),
		TotalSteps:  domain.Ptr(3),
		CurrentStep: domain.Ptr(2),
	}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := env.store.Update(ctx, job.ID, domain.Update{
		Status:       domain.Ptr(domain.JobStatusFailed),
		ErrorMessage: domain.Ptr("llm unavailable"),
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/v1/jobs/status?job_id="+job.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decodeBody[domain.Job](t, rec)
	if got.Status != domain.JobStatusFailed || got.CurrentStep != 2 || got.ErrorMessage == "" {
		t.Fatalf("unexpected job view %+v", got)
	}
	if strings.Contains(rec.Body.String(), "webhook") || strings.Contains(rec.Body.String(), "options") {
		t.Fatalf("internal fields leaked: %s", rec.Body.String())
	}
}

func TestStatusReadsAreIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.createJob(t, domain.KindSkillExtraction)
	ctx := context.Background()
	if _, err := env.store.Update(ctx, job.ID, domain.Update{Status: domain.Ptr(domain.JobStatusInProgress), TotalSteps: domain.Ptr(1)}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.store.Update(ctx, job.ID, domain.Update{Status: domain.Ptr(domain.JobStatusCompleted), Result: json.RawMessage(`{"skills":["go"]}`)}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	first := env.do(t, http.MethodGet, "/v1/jobs/"+job.ID, "", nil)
	second := env.do(t, http.MethodGet, "/v1/jobs/status?job_id="+job.ID, "", nil)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200s, got %d and %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("reads differ:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	got := decodeBody[domain.Job](t, first)
	if got.Progress != 100 || string(got.Result) != `{"skills":["go"]}` {
		t.Fatalf("unexpected completed view %+v", got)
	}
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.createJob(t, domain.KindEnrollment)

	rec := env.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[domain.Job](t, rec); got.Status != domain.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	rec = env.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", rec.Code)
	}
	if got := decodeBody[map[string]string](t, rec); got["status"] != string(domain.JobStatusCancelled) {
		t.Fatalf("expected conflict to report cancelled, got %+v", got)
	}

	if rec := env.do(t, http.MethodPost, "/v1/jobs/"+id.New()+"/cancel", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/jobs/bogus/cancel", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestJobActivity(t *testing.T) {
	env := newTestEnv(t, nil)
	created := env.do(t, http.MethodPost, "/v1/jobs", `{"kind":"course_content","resource_id":"course-1"}`, nil)
	jobID := decodeBody[map[string]string](t, created)["job_id"]
	env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", "", nil)

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/activity", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		JobID    string         `json:"job_id"`
		Activity []activityView `json:"activity"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Activity) != 2 {
		t.Fatalf("expected 2 activity rows, got %+v", body.Activity)
	}
	if body.Activity[0].Action != domain.ActivityJobCreated || body.Activity[1].Action != domain.ActivityJobCancelled {
		t.Fatalf("unexpected activity order %+v", body.Activity)
	}

	if rec := env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/activity?limit=zero", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.APIKeys = []string{"key-one", " key-two "}
	})
	body := `{"kind":"course_content","resource_id":"course-42"}`

	if rec := env.do(t, http.MethodPost, "/v1/jobs", body, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/jobs", body, map[string]string{"X-API-Key": "nope"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong key, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/jobs", body, map[string]string{"X-API-Key": "key-two"}); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with valid key, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}
}

func TestRateLimitRejectsWritesOnly(t *testing.T) {
	limiter, err := ratelimit.NewMemoryLimiter(1, time.Hour)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	env := newTestEnv(t, func(o *Options) {
		o.RateLimiter = limiter
	})
	body := `{"kind":"course_content","resource_id":"course-42"}`

	first := env.do(t, http.MethodPost, "/v1/jobs", body, nil)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected first create to pass, got %d", first.Code)
	}
	if got := first.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Fatalf("expected X-RateLimit-Limit 1, got %q", got)
	}
	second := env.do(t, http.MethodPost, "/v1/jobs", body, nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	jobID := decodeBody[map[string]string](t, first)["job_id"]
	for i := 0; i < 3; i++ {
		if rec := env.do(t, http.MethodGet, "/v1/jobs/status?job_id="+jobID, "", nil); rec.Code != http.StatusOK {
			t.Fatalf("status reads must not be throttled, got %d", rec.Code)
		}
	}
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.createJob(t, domain.KindCourseContent)
	env.do(t, http.MethodGet, "/v1/jobs/"+job.ID, "", nil)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := rec.Body.String()
	if !strings.Contains(out, `learnflow_api_requests_total{method="GET",route="/v1/jobs/{id}",status="200"} 1`) {
		t.Fatalf("expected route-pattern request metric, got:\n%s", out)
	}
	if strings.Contains(out, job.ID) {
		t.Fatal("job ids must not appear in metric labels")
	}
}

type sseEvent struct {
	name string
	data string
}

func readSSEEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v (partial %+v)", err, ev)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestJobEventsStreamUntilTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.createJob(t, domain.KindCourseContent)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/jobs/"+job.ID+"/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	reader := bufio.NewReader(resp.Body)

	if ev := readSSEEvent(t, reader); ev.name != sseEventStatus || !strings.Contains(ev.data, `"status":"pending"`) {
		t.Fatalf("unexpected first event %+v", ev)
	}

	step, err := env.store.Update(ctx, job.ID, domain.Update{
		Status:          domain.Ptr(domain.JobStatusInProgress),
		TotalSteps:      domain.Ptr(2),
		CurrentStep:     domain.Ptr(1),
		StepDescription: domain.Ptr("Generating module content"),
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := env.broker.Publish(ctx, step); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev := readSSEEvent(t, reader); ev.name != sseEventStatus || !strings.Contains(ev.data, `"current_step":1`) {
		t.Fatalf("unexpected progress event %+v", ev)
	}

	done, err := env.store.Update(ctx, job.ID, domain.Update{
		Status: domain.Ptr(domain.JobStatusCompleted),
		Result: json.RawMessage(`{"modules":2}`),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := env.broker.Publish(ctx, done); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ev := readSSEEvent(t, reader)
	if ev.name != sseEventResult {
		t.Fatalf("expected result event, got %+v", ev)
	}
	var final domain.Job
	if err := json.Unmarshal([]byte(ev.data), &final); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if final.Status != domain.JobStatusCompleted || final.Progress != 100 {
		t.Fatalf("unexpected final snapshot %+v", final)
	}

	if _, err := reader.ReadString('\n'); err != io.EOF {
		t.Fatalf("expected stream to end after result, got %v", err)
	}
}

func TestJobEventsTerminalJobReturnsResult(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Broker = nil })
	job := env.createJob(t, domain.KindEnrollment)
	if _, err := env.store.Update(context.Background(), job.ID, domain.Update{Status: domain.Ptr(domain.JobStatusCancelled)}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/events", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "event: result\n") {
		t.Fatalf("unexpected stream %q", rec.Body.String())
	}

	pending := env.createJob(t, domain.KindEnrollment)
	if rec := env.do(t, http.MethodGet, "/v1/jobs/"+pending.ID+"/events", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a broker, got %d", rec.Code)
	}
}

func TestJobArtifacts(t *testing.T) {
	artifacts := storage.NewMemoryStore()
	env := newTestEnv(t, func(o *Options) {
		o.Artifacts = artifacts
	})
	ctx := context.Background()
	job := env.createJob(t, domain.KindCourseContent)

	if rec := env.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/artifacts", "", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before completion, got %d", rec.Code)
	}

	key := storage.ArtifactKey(job.Kind, job.ResourceID, job.ID, "content.md")
	if err := artifacts.WriteObject(ctx, key, []byte("# Course"), "text/markdown"); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if _, err := env.store.Update(ctx, job.ID, domain.Update{Status: domain.Ptr(domain.JobStatusInProgress), TotalSteps: domain.Ptr(1)}); err != nil {
		t.Fatalf("start: %v", err)
	}
	result := json.RawMessage(`{"title":"Course","markdown_key":"` + key + `","modules":2}`)
	if _, err := env.store.Update(ctx, job.ID, domain.Update{Status: domain.Ptr(domain.JobStatusCompleted), Result: result}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/artifacts", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Artifacts []artifactView `json:"artifacts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Artifacts) != 1 {
		t.Fatalf("expected one artifact, got %+v", body.Artifacts)
	}
	got := body.Artifacts[0]
	if got.Name != "markdown" || got.ObjectKey != key || got.URL != "memory://"+key {
		t.Fatalf("unexpected artifact %+v", got)
	}
}
