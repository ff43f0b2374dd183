package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dunamismax/learnflow/internal/domain"
)

// DefaultWaitTimeout applies when Wait is called with a zero timeout.
const DefaultWaitTimeout = 5 * time.Minute

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimeout   Outcome = "timeout"
)

// Result is how a wait ended. Job is the last snapshot seen, which for a
// timeout may still be pending or in_progress.
type Result struct {
	Outcome Outcome
	Job     domain.Job
	// Message carries the job's error_message for OutcomeFailed.
	Message string
}

var errNotFinished = errors.New("job not finished")

// Wait polls the job until it reaches a terminal status or timeout elapses.
// Client errors (4xx other than 429) end the wait immediately with an error;
// network failures, 5xx and 429 are polled through until the deadline.
func (c *Client) Wait(ctx context.Context, jobID string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last domain.Job
	polls := 0
	operation := func() (domain.Job, error) {
		polls++
		job, err := c.Status(waitCtx, jobID)
		if err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && !statusErr.Temporary() {
				return domain.Job{}, backoff.Permanent(err)
			}
			if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
				return domain.Job{}, backoff.RetryAfter(int(statusErr.RetryAfter / time.Second))
			}
			return domain.Job{}, err
		}
		last = job
		if !job.Status.IsTerminal() {
			return job, errNotFinished
		}
		return job, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialInterval
	policy.MaxInterval = c.maxInterval

	job, err := backoff.Retry(waitCtx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			if !errors.Is(err, errNotFinished) {
				c.logger.Printf("status poll failed job_id=%s next=%s err=%v", jobID, next, err)
			}
		}),
	)
	if err == nil {
		return finished(job), nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{Job: last}, ctxErr
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && !statusErr.Temporary() {
		if statusErr.StatusCode == http.StatusNotFound {
			return Result{}, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return Result{}, err
	}

	c.logger.Printf("wait timed out job_id=%s polls=%d last_status=%s", jobID, polls, last.Status)
	return Result{Outcome: OutcomeTimeout, Job: last}, nil
}

func finished(job domain.Job) Result {
	switch job.Status {
	case domain.JobStatusCompleted:
		return Result{Outcome: OutcomeCompleted, Job: job}
	case domain.JobStatusFailed:
		return Result{Outcome: OutcomeFailed, Job: job, Message: job.ErrorMessage}
	default:
		return Result{Outcome: OutcomeCancelled, Job: job}
	}
}
