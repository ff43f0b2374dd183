package domain

import "time"

const (
	ActivityJobCreated   = "job.created"
	ActivityJobStarted   = "job.started"
	ActivityJobStep      = "job.step"
	ActivityJobCompleted = "job.completed"
	ActivityJobFailed    = "job.failed"
	ActivityJobCancelled = "job.cancelled"
)

type ActivityEvent struct {
	JobID     string
	Kind      string
	Action    string
	Detail    string
	CreatedAt time.Time
}
