package content

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/dunamismax/learnflow/internal/runner"
	"github.com/dunamismax/learnflow/internal/storage"
)

const dueDateLayout = "2006-01-02"

type Enrollment struct {
	EmployeeID string    `json:"employee_id"`
	CourseID   string    `json:"course_id"`
	Status     string    `json:"status"`
	DueDate    string    `json:"due_date,omitempty"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

type enrollmentResult struct {
	CourseID  string   `json:"course_id"`
	Enrolled  int      `json:"enrolled"`
	Skipped   []string `json:"skipped,omitempty"`
	RosterKey string   `json:"roster_key"`
	CSVKey    string   `json:"csv_key"`
}

func (u *units) enrollmentPlan(job domain.Job) (*runner.Plan, error) {
	var opts domain.EnrollmentOptions
	if err := domain.DecodeOptions(job.Options, &opts); err != nil {
		return nil, err
	}
	if opts.DueDate != "" {
		if _, err := time.Parse(dueDateLayout, opts.DueDate); err != nil {
			return nil, fmt.Errorf("due_date must use YYYY-MM-DD: %w", err)
		}
	}

	var (
		valid       []string
		enrollments []Enrollment
		result      = enrollmentResult{CourseID: job.ResourceID}
	)

	return &runner.Plan{
		Steps: []runner.Step{
			{
				Description: "Validating employees",
				Run: func(ctx context.Context) error {
					ids, skipped := dedupeEmployeeIDs(opts.EmployeeIDs)
					if u.directory != nil && len(ids) > 0 {
						missing, err := u.directory.Missing(ctx, ids)
						if err != nil {
							return fmt.Errorf("look up employees: %w", err)
						}
						ids = without(ids, missing)
						skipped = append(skipped, missing...)
					}
					if len(ids) == 0 {
						return fmt.Errorf("none of the %d requested employees can be enrolled", len(opts.EmployeeIDs))
					}
					valid = ids
					result.Skipped = skipped
					return nil
				},
			},
			{
				Description: "Creating enrollments",
				Run: func(context.Context) error {
					now := u.now().UTC().Truncate(time.Second)
					enrollments = make([]Enrollment, 0, len(valid))
					for _, employeeID := range valid {
						enrollments = append(enrollments, Enrollment{
							EmployeeID: employeeID,
							CourseID:   job.ResourceID,
							Status:     "enrolled",
							DueDate:    opts.DueDate,
							EnrolledAt: now,
						})
					}
					result.Enrolled = len(enrollments)
					return nil
				},
			},
			{
				Description: "Storing enrollment roster",
				Run: func(ctx context.Context) error {
					result.RosterKey = storage.ArtifactKey(job.Kind, job.ResourceID, job.ID, "roster.json")
					result.CSVKey = storage.ArtifactKey(job.Kind, job.ResourceID, job.ID, "roster.csv")

					if err := u.writeJSON(ctx, result.RosterKey, enrollments); err != nil {
						return err
					}
					data, err := rosterCSV(enrollments)
					if err != nil {
						return err
					}
					return u.artifacts.WriteObject(ctx, result.CSVKey, data, storage.ContentTypeFor(result.CSVKey))
				},
			},
		},
		Result: summary(&result),
	}, nil
}

// dedupeEmployeeIDs keeps the first occurrence of each id. Blank ids are
// dropped and duplicates are reported as skipped.
func dedupeEmployeeIDs(ids []string) (kept, skipped []string) {
	seen := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			skipped = append(skipped, id)
			continue
		}
		seen[id] = struct{}{}
		kept = append(kept, id)
	}
	return kept, skipped
}

func without(ids, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, id := range remove {
		drop[id] = struct{}{}
	}
	out := ids[:0]
	for _, id := range ids {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func rosterCSV(enrollments []Enrollment) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"employee_id", "course_id", "status", "due_date", "enrolled_at"}); err != nil {
		return nil, err
	}
	for _, e := range enrollments {
		if err := w.Write([]string{e.EmployeeID, e.CourseID, e.Status, e.DueDate, e.EnrolledAt.Format(time.RFC3339)}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write roster csv: %w", err)
	}
	return buf.Bytes(), nil
}
