package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Status string

const (
	JobStatusPending    Status = "pending"
	JobStatusInProgress Status = "in_progress"
	JobStatusCompleted  Status = "completed"
	JobStatusFailed     Status = "failed"
	JobStatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusInProgress, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

const (
	KindCourseContent   = "course_content"
	KindLearningPath    = "learning_path"
	KindEnrollment      = "enrollment"
	KindSkillExtraction = "skill_extraction"
)

func ValidKind(kind string) bool {
	switch kind {
	case KindCourseContent, KindLearningPath, KindEnrollment, KindSkillExtraction:
		return true
	default:
		return false
	}
}

type CreateJobRequest struct {
	Kind       string          `json:"kind"`
	ResourceID string          `json:"resource_id"`
	Options    json.RawMessage `json:"options,omitempty"`
	WebhookURL string          `json:"webhook_url,omitempty"`
}

// NewJob carries everything a store needs to persist a fresh pending job.
type NewJob struct {
	Kind        string
	ResourceID  string
	Description string
	Options     json.RawMessage
	WebhookURL  string
}

type Job struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	ResourceID      string          `json:"resource_id"`
	Status          Status          `json:"status"`
	CurrentStep     int             `json:"current_step"`
	TotalSteps      int             `json:"total_steps"`
	Progress        int             `json:"progress"`
	StepDescription string          `json:"step_description"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Options         json.RawMessage `json:"-"`
	WebhookURL      string          `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewPendingJob builds the initial record for a job. Every store goes through
// it so that all backends agree on the starting state.
func NewPendingJob(id string, input NewJob, now time.Time) Job {
	now = normalizeTime(now)
	description := strings.TrimSpace(input.Description)
	if description == "" {
		description = "Waiting to start"
	}
	return Job{
		ID:              id,
		Kind:            input.Kind,
		ResourceID:      input.ResourceID,
		Status:          JobStatusPending,
		StepDescription: description,
		Options:         input.Options,
		WebhookURL:      input.WebhookURL,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (r CreateJobRequest) Validate() error {
	kind := strings.ToLower(strings.TrimSpace(r.Kind))
	if kind == "" {
		return &ValidationError{Field: "kind", Reason: "is required"}
	}
	if !ValidKind(kind) {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported kind %q", r.Kind)}
	}
	if strings.TrimSpace(r.ResourceID) == "" {
		return &ValidationError{Field: "resource_id", Reason: "is required"}
	}
	if webhook := strings.TrimSpace(r.WebhookURL); webhook != "" {
		u, err := url.Parse(webhook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "webhook_url", Reason: "must be an absolute http(s) URL"}
		}
	}
	return validateOptions(kind, r.Options)
}

// Normalized returns the NewJob described by a validated request.
func (r CreateJobRequest) Normalized() NewJob {
	return NewJob{
		Kind:       strings.ToLower(strings.TrimSpace(r.Kind)),
		ResourceID: strings.TrimSpace(r.ResourceID),
		Options:    r.Options,
		WebhookURL: strings.TrimSpace(r.WebhookURL),
	}
}

// normalizeTime keeps timestamps at the microsecond precision every backend
// can round-trip.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
