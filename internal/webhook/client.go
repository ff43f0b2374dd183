// Package webhook notifies job owners when a job reaches a terminal state.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dunamismax/learnflow/internal/id"
)

// Receivers verify a delivery by computing HMAC-SHA256 over
// "<timestamp>.<body>" with the shared secret and comparing it to the
// signature header. The delivery id stays the same across retries.
const (
	HeaderSignature = "X-Learnflow-Signature"
	HeaderTimestamp = "X-Learnflow-Timestamp"
	HeaderEvent     = "X-Learnflow-Event"
	HeaderDelivery  = "X-Learnflow-Delivery"
)

var (
	ErrBadSignature   = errors.New("webhook signature mismatch")
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
)

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    uint(max(cfg.MaxAttempts, 1)),
		initialBackoff: initial,
		maxBackoff:     max(cfg.MaxBackoff, initial),
		now:            time.Now,
	}
}

// StatusError is a non-2xx answer from the receiver.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook receiver returned status=%d", e.StatusCode)
}

// permanent reports client errors that another attempt will not fix.
// 408 and 429 are still retried.
func (e *StatusError) permanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Send posts payload to endpoint as the given event. An empty endpoint means
// the job has no subscriber and is not an error.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	timestamp := strconv.FormatInt(c.now().UTC().Unix(), 10)
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set(HeaderTimestamp, timestamp)
	headers.Set(HeaderSignature, Sign(c.signingSecret, timestamp, body))
	headers.Set(HeaderEvent, event)
	headers.Set(HeaderDelivery, id.New())

	attempts := 0
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxInterval = c.maxBackoff

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, c.post(ctx, endpoint, headers, body)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(c.maxAttempts))
	if err != nil {
		return fmt.Errorf("webhook %s delivery %s failed after %d attempts: %w", event, headers.Get(HeaderDelivery), attempts, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, headers http.Header, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header = headers.Clone()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := &StatusError{StatusCode: resp.StatusCode}
	if statusErr.permanent() {
		return backoff.Permanent(statusErr)
	}
	return statusErr
}

// Sign returns the signature header value for a delivery.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received delivery. Timestamps further than tolerance from
// now are rejected so captured deliveries cannot be replayed later.
func Verify(secret, timestamp, signature string, body []byte, tolerance time.Duration, now time.Time) error {
	sent, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("parse webhook timestamp: %w", err)
	}
	if skew := now.Sub(time.Unix(sent, 0)); tolerance > 0 && (skew > tolerance || skew < -tolerance) {
		return ErrStaleTimestamp
	}
	if !hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
