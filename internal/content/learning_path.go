package content

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/dunamismax/learnflow/internal/runner"
	"github.com/dunamismax/learnflow/internal/storage"
)

const personalizationSystemPrompt = "You are a learning and development specialist. You answer with JSON only."

type pathResult struct {
	EmployeeID      string `json:"employee_id"`
	ProfileKey      string `json:"profile_key"`
	ProfileReused   bool   `json:"profile_reused"`
	LearningPathKey string `json:"learning_path_key"`
	Courses         int    `json:"courses"`
	Structured      bool   `json:"structured"`
}

// ProfileKey is where an employee's generated profile is kept between jobs.
func ProfileKey(employeeID string) string {
	return storage.ArtifactKey("profiles", employeeID, "current", "profile.json")
}

func (u *units) learningPathPlan(job domain.Job) (*runner.Plan, error) {
	var opts domain.LearningPathOptions
	if err := domain.DecodeOptions(job.Options, &opts); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.Name) == "" || strings.TrimSpace(opts.Role) == "" {
		return nil, fmt.Errorf("learning path needs the employee name and role")
	}

	var (
		profile map[string]any
		path    map[string]any
		result  = pathResult{EmployeeID: job.ResourceID, ProfileKey: ProfileKey(job.ResourceID)}
	)

	return &runner.Plan{
		Steps: []runner.Step{
			{
				Description: "Building employee profile",
				Run: func(ctx context.Context) error {
					cached, err := u.cachedProfile(ctx, result.ProfileKey)
					if err != nil {
						return err
					}
					if cached != nil {
						profile = cached
						result.ProfileReused = true
						return nil
					}

					out, err := u.complete(ctx, personalizationSystemPrompt, profilePrompt(job.ResourceID, opts))
					if err != nil {
						return fmt.Errorf("generate profile: %w", err)
					}
					profile = decodeOrWrap(out, "raw_profile")
					profile["employee_id"] = job.ResourceID
					return u.writeJSON(ctx, result.ProfileKey, profile)
				},
			},
			{
				Description: "Generating learning path",
				Run: func(ctx context.Context) error {
					encoded, err := json.Marshal(profile)
					if err != nil {
						return fmt.Errorf("marshal profile: %w", err)
					}
					out, err := u.complete(ctx, personalizationSystemPrompt, pathPrompt(string(encoded)))
					if err != nil {
						return fmt.Errorf("generate learning path: %w", err)
					}
					path = decodeOrWrap(out, "raw_path")
					path["employee_id"] = job.ResourceID
					if courses, ok := path["courses"].([]any); ok {
						result.Courses = len(courses)
						result.Structured = true
					}
					return nil
				},
			},
			{
				Description: "Storing learning path",
				Run: func(ctx context.Context) error {
					result.LearningPathKey = storage.ArtifactKey(job.Kind, job.ResourceID, job.ID, "learning_path.json")
					return u.writeJSON(ctx, result.LearningPathKey, path)
				},
			},
		},
		Result: summary(&result),
	}, nil
}

func (u *units) cachedProfile(ctx context.Context, key string) (map[string]any, error) {
	exists, err := u.artifacts.ObjectExists(ctx, key)
	if err != nil || !exists {
		return nil, err
	}
	data, err := u.artifacts.ReadObject(ctx, key)
	if err != nil {
		return nil, err
	}
	var profile map[string]any
	if err := json.Unmarshal(data, &profile); err != nil {
		u.logger.Printf("cached profile unreadable key=%s err=%v", key, err)
		return nil, nil
	}
	return profile, nil
}

// decodeOrWrap keeps free-text answers instead of failing the job when the
// model ignores the JSON instruction.
func decodeOrWrap(out, rawField string) map[string]any {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err == nil && decoded != nil {
		return decoded
	}
	return map[string]any{rawField: out}
}

func profilePrompt(employeeID string, opts domain.LearningPathOptions) string {
	return fmt.Sprintf(`Create an employee learning profile from this information.

Employee ID: %s
Name: %s
Role: %s
Department: %s
Experience level: %s
Additional information: %s

Return a JSON object with the keys "background", "skill_assessment",
"recommended_areas", "learning_styles" and "time_availability".`,
		employeeID,
		opts.Name,
		opts.Role,
		valueOr(opts.Department, "unknown"),
		valueOr(opts.Experience, "unknown"),
		valueOr(opts.AdditionalInfo, "none"),
	)
}

func pathPrompt(profileJSON string) string {
	return fmt.Sprintf(`Create a personalized learning path for the employee with this profile:

%s

Return a JSON object with a "courses" array of 3 to 5 entries in the order they
should be taken. Each entry has "title", "description", "objectives",
"estimated_hours", "relevance" and "content_type".`, profileJSON)
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
