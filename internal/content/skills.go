package content

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/dunamismax/learnflow/internal/runner"
	"github.com/dunamismax/learnflow/internal/storage"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const skillSystemPrompt = "You extract professional skills from resumes. You answer with a JSON array of short skill names only."

var skillAliases = map[string]string{
	"golang":            "go",
	"js":                "javascript",
	"ts":                "typescript",
	"k8s":               "kubernetes",
	"postgres":          "postgresql",
	"psql":              "postgresql",
	"ml":                "machine learning",
	"ai":                "artificial intelligence",
	"node":              "node.js",
	"nodejs":            "node.js",
	"reactjs":           "react",
	"react.js":          "react",
	"gcp":               "google cloud",
	"aws cloud":         "aws",
	"people management": "leadership",
	"team leadership":   "leadership",
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

type skillResult struct {
	Extracted  int      `json:"extracted"`
	Skills     []string `json:"skills"`
	ProfileKey string   `json:"skill_profile_key"`
}

func (u *units) skillPlan(job domain.Job) (*runner.Plan, error) {
	var opts domain.SkillExtractionOptions
	if err := domain.DecodeOptions(job.Options, &opts); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.ResumeText) == "" {
		return nil, fmt.Errorf("resume text is empty")
	}

	var (
		raw    []string
		result skillResult
	)

	return &runner.Plan{
		Steps: []runner.Step{
			{
				Description: "Extracting skills",
				Run: func(ctx context.Context) error {
					out, err := u.complete(ctx, skillSystemPrompt, "Resume:\n\n"+opts.ResumeText)
					if err != nil {
						return fmt.Errorf("extract skills: %w", err)
					}
					if err := json.Unmarshal([]byte(out), &raw); err != nil {
						raw = splitSkillList(out)
					}
					if len(raw) == 0 {
						return fmt.Errorf("no skills found in resume")
					}
					result.Extracted = len(raw)
					return nil
				},
			},
			{
				Description: "Normalizing skills",
				Run: func(context.Context) error {
					result.Skills = NormalizeSkills(raw)
					if len(result.Skills) == 0 {
						return fmt.Errorf("no usable skills after normalization")
					}
					return nil
				},
			},
			{
				Description: "Storing skill profile",
				Run: func(ctx context.Context) error {
					result.ProfileKey = storage.ArtifactKey(job.Kind, job.ResourceID, job.ID, "skills.json")
					return u.writeJSON(ctx, result.ProfileKey, map[string]any{
						"employee_id": job.ResourceID,
						"skills":      result.Skills,
					})
				},
			},
		},
		Result: summary(&result),
	}, nil
}

// NormalizeSkills folds case, applies NFKC, collapses whitespace, maps known
// aliases to one canonical name and returns the sorted distinct set.
func NormalizeSkills(skills []string) []string {
	folder := cases.Fold()
	seen := make(map[string]struct{}, len(skills))
	out := make([]string, 0, len(skills))
	for _, skill := range skills {
		s := norm.NFKC.String(skill)
		s = folder.String(s)
		s = strings.Join(strings.Fields(s), " ")
		s = strings.TrimFunc(s, func(r rune) bool {
			return unicode.IsPunct(r) && r != '+' && r != '#' && r != '.'
		})
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if canonical, ok := skillAliases[s]; ok {
			s = canonical
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// splitSkillList handles models that answer with a comma or line separated
// list instead of JSON.
func splitSkillList(out string) []string {
	fields := strings.FieldsFunc(out, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';'
	})
	skills := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(listMarker.ReplaceAllString(f, ""))
		if f != "" {
			skills = append(skills, f)
		}
	}
	return skills
}
