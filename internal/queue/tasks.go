package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeRunJob = "job:run"

// RunJobPayload carries only the job id; the worker always reloads the job
// record so the store stays the single source of truth.
type RunJobPayload struct {
	JobID       string    `json:"job_id"`
	Kind        string    `json:"kind"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewRunJobTask(payload RunJobPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.JobID) == "" {
		return nil, fmt.Errorf("run payload requires a job id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal run payload: %w", err)
	}
	return asynq.NewTask(TypeRunJob, body), nil
}

func ParseRunJobPayload(task *asynq.Task) (RunJobPayload, error) {
	var payload RunJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RunJobPayload{}, fmt.Errorf("unmarshal run payload: %w", err)
	}
	if strings.TrimSpace(payload.JobID) == "" {
		return RunJobPayload{}, fmt.Errorf("run payload is missing job_id")
	}
	return payload, nil
}
