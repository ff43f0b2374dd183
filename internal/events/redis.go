package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultChannelPrefix = "learnflow:jobs"

// RedisBroker shares snapshots between the worker and API processes over
// Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *log.Logger
}

func NewRedisBroker(client *redis.Client, prefix string, logger *log.Logger) *RedisBroker {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RedisBroker{client: client, prefix: prefix, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job snapshot: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(job.ID), payload).Err(); err != nil {
		return fmt.Errorf("publish job snapshot: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(jobID))
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to job %s: %w", jobID, err)
	}

	out := make(chan domain.Job, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				job, err := decodeSnapshot(msg.Payload)
				if err != nil {
					b.logger.Printf("event=snapshot_decode_failed job_id=%s err=%q", jobID, err.Error())
					continue
				}
				if job.Status.IsTerminal() {
					deliverFinal(out, job)
					return
				}
				select {
				case out <- job:
				default:
				}
			}
		}
	}()

	var once sync.Once
	return &Subscription{C: out, cancel: func() { once.Do(func() { close(done) }) }}, nil
}

func (b *RedisBroker) Close() error {
	return nil
}

func (b *RedisBroker) channel(jobID string) string {
	return b.prefix + ":" + jobID
}

func decodeSnapshot(payload string) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return domain.Job{}, err
	}
	if job.ID == "" || !job.Status.Valid() {
		return domain.Job{}, fmt.Errorf("snapshot missing id or status")
	}
	return job, nil
}
