package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(attempts int) *Client {
	return NewClient(Config{
		SigningSecret:  "test-secret",
		Timeout:        2 * time.Second,
		MaxAttempts:    attempts,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})
}

func TestSendSignsPayload(t *testing.T) {
	var (
		gotSig      string
		gotTS       string
		gotEvt      string
		gotDelivery string
		gotBody     []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvt = r.Header.Get(HeaderEvent)
		gotDelivery = r.Header.Get(HeaderDelivery)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient(1).Send(context.Background(), srv.URL, "job.completed", map[string]any{"job_id": "job-1", "status": "completed"})
	if err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	if gotTS == "" {
		t.Fatal("expected timestamp header")
	}
	if gotDelivery == "" {
		t.Fatal("expected delivery header")
	}
	if gotEvt != "job.completed" {
		t.Fatalf("expected event header job.completed, got %q", gotEvt)
	}
	if err := Verify("test-secret", gotTS, gotSig, gotBody, time.Minute, time.Now()); err != nil {
		t.Fatalf("delivery does not verify: %v", err)
	}
	if !strings.Contains(string(gotBody), `"job_id":"job-1"`) {
		t.Fatalf("unexpected body %s", gotBody)
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	deliveries := make(map[string]struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deliveries[r.Header.Get(HeaderDelivery)] = struct{}{}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := testClient(3).Send(context.Background(), srv.URL, "job.failed", map[string]string{"job_id": "job-2"}); err != nil {
		t.Fatalf("send returned error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected one delivery id across retries, got %d", len(deliveries))
	}
}

func TestSendStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	err := testClient(4).Send(context.Background(), srv.URL, "job.cancelled", map[string]string{"job_id": "job-3"})
	if err == nil {
		t.Fatal("expected error for 410 response")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusGone {
		t.Fatalf("expected StatusError 410, got %v", err)
	}
	if !strings.Contains(err.Error(), "status=410") {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestSendSkipsEmptyEndpoint(t *testing.T) {
	if err := testClient(1).Send(context.Background(), "  ", "job.completed", nil); err != nil {
		t.Fatalf("expected nil for empty endpoint, got %v", err)
	}
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := testClient(2).Send(context.Background(), srv.URL, "job.completed", map[string]string{"job_id": "job-4"})
	if err == nil || !strings.Contains(err.Error(), "after 2 attempts") {
		t.Fatalf("expected exhausted retries, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"job_id":"job-5"}`)
	now := time.Unix(1_760_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign("s3cret", ts, body)

	if err := Verify("s3cret", ts, sig, body, 5*time.Minute, now.Add(time.Minute)); err != nil {
		t.Fatalf("expected valid delivery, got %v", err)
	}
	if err := Verify("other", ts, sig, body, 5*time.Minute, now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	if err := Verify("s3cret", ts, sig, []byte(`{"job_id":"job-6"}`), 5*time.Minute, now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for tampered body, got %v", err)
	}
	if err := Verify("s3cret", ts, sig, body, 5*time.Minute, now.Add(10*time.Minute)); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
	if err := Verify("s3cret", "yesterday", sig, body, 0, now); err == nil {
		t.Fatal("expected error for malformed timestamp")
	}
}
