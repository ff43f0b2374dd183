package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Update is a partial mutation of a job. Nil fields are left untouched.
type Update struct {
	Status          *Status
	CurrentStep     *int
	TotalSteps      *int
	Progress        *int
	StepDescription *string
	ErrorMessage    *string
	Result          json.RawMessage
}

func Ptr[T any](v T) *T { return &v }

var allowedTransitions = map[Status][]Status{
	JobStatusPending:    {JobStatusInProgress, JobStatusCancelled},
	JobStatusInProgress: {JobStatusInProgress, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether a job in status from may move to status to.
// Staying in_progress is allowed so the runner can record step advances.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepProgress is the percentage of a job covered once step current of total
// has been reached.
func StepProgress(current, total int) int {
	if total <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return current * 100 / total
}

// ApplyUpdate validates u against job and returns the mutated copy. The input
// job is never modified, so a rejected update leaves the stored record as it was.
func ApplyUpdate(job Job, u Update, now time.Time) (Job, error) {
	from := job.Status
	to := from
	if u.Status != nil {
		to = *u.Status
	}

	if from.IsTerminal() {
		return job, &TransitionError{From: from, To: to, Reason: "job is in a terminal state"}
	}
	if !to.Valid() {
		return job, &TransitionError{From: from, To: to, Reason: "unknown status"}
	}
	if !CanTransition(from, to) {
		return job, &TransitionError{From: from, To: to, Reason: "transition not allowed"}
	}

	next := job

	if u.TotalSteps != nil {
		if *u.TotalSteps < 0 {
			return job, &TransitionError{From: from, To: to, Reason: "total_steps must not be negative"}
		}
		if from == JobStatusInProgress && *u.TotalSteps != job.TotalSteps {
			return job, &TransitionError{From: from, To: to, Reason: "total_steps is fixed once the job started"}
		}
		next.TotalSteps = *u.TotalSteps
	}

	if u.CurrentStep != nil {
		if to != JobStatusInProgress {
			return job, &TransitionError{From: from, To: to, Reason: "current_step only changes while in_progress"}
		}
		if *u.CurrentStep < job.CurrentStep {
			return job, &TransitionError{From: from, To: to, Reason: "current_step must not decrease"}
		}
		next.CurrentStep = *u.CurrentStep
		if u.Progress == nil {
			next.Progress = StepProgress(next.CurrentStep, next.TotalSteps)
		}
	}
	if next.CurrentStep > next.TotalSteps {
		return job, &TransitionError{From: from, To: to, Reason: "current_step exceeds total_steps"}
	}

	if u.Progress != nil {
		if *u.Progress < 0 || *u.Progress > 100 {
			return job, &TransitionError{From: from, To: to, Reason: "progress must be between 0 and 100"}
		}
		next.Progress = *u.Progress
	}
	if from == JobStatusInProgress && next.Progress < job.Progress {
		return job, &TransitionError{From: from, To: to, Reason: "progress must not decrease"}
	}

	if u.StepDescription != nil {
		next.StepDescription = strings.TrimSpace(*u.StepDescription)
	}

	if u.ErrorMessage != nil {
		if to != JobStatusFailed && to != JobStatusCancelled {
			return job, &TransitionError{From: from, To: to, Reason: "error_message is only set on failure"}
		}
		next.ErrorMessage = strings.TrimSpace(*u.ErrorMessage)
	}
	if to == JobStatusFailed && next.ErrorMessage == "" {
		return job, &TransitionError{From: from, To: to, Reason: "failed jobs require an error_message"}
	}

	if len(u.Result) > 0 {
		if to != JobStatusCompleted {
			return job, &TransitionError{From: from, To: to, Reason: "result is only set on completion"}
		}
		next.Result = append(json.RawMessage(nil), u.Result...)
	}

	if to == JobStatusCompleted {
		next.CurrentStep = next.TotalSteps
		next.Progress = 100
	}

	next.Status = to
	next.UpdatedAt = nextUpdatedAt(job.UpdatedAt, now)
	return next, nil
}

func nextUpdatedAt(prev, now time.Time) time.Time {
	now = normalizeTime(now)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
