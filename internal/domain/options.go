package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type CourseContentOptions struct {
	Title       string   `json:"title,omitempty"`
	Audience    string   `json:"audience,omitempty"`
	ModuleCount int      `json:"module_count,omitempty"`
	Topics      []string `json:"topics,omitempty"`
}

type LearningPathOptions struct {
	Name           string `json:"name"`
	Role           string `json:"role"`
	Department     string `json:"department,omitempty"`
	Experience     string `json:"experience,omitempty"`
	AdditionalInfo string `json:"additional_info,omitempty"`
}

type EnrollmentOptions struct {
	EmployeeIDs []string `json:"employee_ids"`
	DueDate     string   `json:"due_date,omitempty"`
}

type SkillExtractionOptions struct {
	ResumeText string `json:"resume_text"`
}

const (
	DefaultModuleCount = 3
	MaxModuleCount     = 12
	MaxEnrollmentBatch = 500
)

// DecodeOptions unmarshals a job's raw options into the given struct.
// Empty options decode to the zero value.
func DecodeOptions(raw json.RawMessage, into any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return &ValidationError{Field: "options", Reason: fmt.Sprintf("is invalid: %v", err)}
	}
	return nil
}

func validateOptions(kind string, raw json.RawMessage) error {
	switch kind {
	case KindCourseContent:
		var opts CourseContentOptions
		if err := DecodeOptions(raw, &opts); err != nil {
			return err
		}
		if opts.ModuleCount < 0 || opts.ModuleCount > MaxModuleCount {
			return &ValidationError{Field: "options.module_count", Reason: fmt.Sprintf("must be between 0 and %d", MaxModuleCount)}
		}
	case KindLearningPath:
		var opts LearningPathOptions
		if err := DecodeOptions(raw, &opts); err != nil {
			return err
		}
		if strings.TrimSpace(opts.Name) == "" {
			return &ValidationError{Field: "options.name", Reason: "is required"}
		}
		if strings.TrimSpace(opts.Role) == "" {
			return &ValidationError{Field: "options.role", Reason: "is required"}
		}
	case KindEnrollment:
		var opts EnrollmentOptions
		if err := DecodeOptions(raw, &opts); err != nil {
			return err
		}
		if len(opts.EmployeeIDs) == 0 {
			return &ValidationError{Field: "options.employee_ids", Reason: "must contain at least one employee"}
		}
		if len(opts.EmployeeIDs) > MaxEnrollmentBatch {
			return &ValidationError{Field: "options.employee_ids", Reason: fmt.Sprintf("must contain at most %d employees", MaxEnrollmentBatch)}
		}
	case KindSkillExtraction:
		var opts SkillExtractionOptions
		if err := DecodeOptions(raw, &opts); err != nil {
			return err
		}
		if strings.TrimSpace(opts.ResumeText) == "" {
			return &ValidationError{Field: "options.resume_text", Reason: "is required"}
		}
	}
	return nil
}
