package queue

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

type Options struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

type Client struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, opts Options) *Client {
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	return &Client{
		client:   asynq.NewClient(redisOpt),
		queue:    opts.Queue,
		maxRetry: opts.MaxRetry,
		timeout:  opts.Timeout,
	}
}

// EnqueueRunJob schedules a job for the worker. The task id is the job id, so
// enqueueing the same job twice does not create a second task.
func (c *Client) EnqueueRunJob(ctx context.Context, payload RunJobPayload) (*asynq.TaskInfo, error) {
	task, err := NewRunJobTask(payload)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(c.timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return &asynq.TaskInfo{ID: payload.JobID, Queue: c.queue}, nil
	}
	return info, err
}

func (c *Client) Close() error {
	return c.client.Close()
}
