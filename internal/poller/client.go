// Package poller is the client side of the Status API: it submits jobs and
// polls their status with bounded exponential backoff until they finish.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/learnflow/internal/domain"
)

const apiKeyHeader = "X-API-Key"

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// InitialInterval and MaxInterval bound the delay between status polls.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *log.Logger
}

type Client struct {
	baseURL         string
	apiKey          string
	http            *http.Client
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          *log.Logger
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("base url must be an absolute http(s) URL: %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	initial := cfg.InitialInterval
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maxInterval := cfg.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 10 * time.Second
	}
	maxInterval = max(maxInterval, initial)
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Client{
		baseURL:         base,
		apiKey:          strings.TrimSpace(cfg.APIKey),
		http:            httpClient,
		initialInterval: initial,
		maxInterval:     maxInterval,
		logger:          logger,
	}, nil
}

// StatusError is a non-2xx response from the Status API.
type StatusError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("status api returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports responses worth polling again: throttling and server errors.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Accepted struct {
	JobID     string        `json:"job_id"`
	Status    domain.Status `json:"status"`
	StatusURL string        `json:"status_url"`
}

func (c *Client) Submit(ctx context.Context, req domain.CreateJobRequest) (Accepted, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Accepted{}, fmt.Errorf("marshal create request: %w", err)
	}
	var out Accepted
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", body, &out); err != nil {
		return Accepted{}, err
	}
	return out, nil
}

// Status fetches the current job snapshot once.
func (c *Client) Status(ctx context.Context, jobID string) (domain.Job, error) {
	var job domain.Job
	path := "/v1/jobs/status?" + url.Values{"job_id": {jobID}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &job); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (c *Client) Cancel(ctx context.Context, jobID string) (domain.Job, error) {
	var job domain.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &job); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, into any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(resp, raw)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func newStatusError(resp *http.Response, raw []byte) *StatusError {
	statusErr := &StatusError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		statusErr.Message = body.Error
	} else {
		statusErr.Message = strings.TrimSpace(string(raw))
	}
	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
		statusErr.RetryAfter = time.Duration(seconds) * time.Second
	}
	return statusErr
}
