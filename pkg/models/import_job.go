package models

import (
	"encoding/json"
	"time"
)

// ImportJobStatus is the lifecycle state of an import job.
type ImportJobStatus string

const (
	ImportJobStatusUploaded  ImportJobStatus = "uploaded"
	ImportJobStatusPreviewed ImportJobStatus = "previewed"
	ImportJobStatusStaged    ImportJobStatus = "staged"
	ImportJobStatusApplying  ImportJobStatus = "applying"
	ImportJobStatusApplied   ImportJobStatus = "applied"
	ImportJobStatusFailed    ImportJobStatus = "failed"
)

// IsTerminal reports whether the job can no longer be mutated by the pipeline.
func (s ImportJobStatus) IsTerminal() bool {
	return s == ImportJobStatusApplied || s == ImportJobStatusFailed
}

// ImportJob tracks one uploaded file through stage, governance, decision and
// apply. Counters accumulate as the apply executor commits rows.
type ImportJob struct {
	ID               string          `json:"id" db:"id"`
	SourceSystem     string          `json:"source_system" db:"source_system"`
	FileName         string          `json:"file_name" db:"file_name"`
	FileFormat       string          `json:"file_format" db:"file_format"`
	LayoutKey        string          `json:"layout_key" db:"layout_key"`
	Status           ImportJobStatus `json:"status" db:"status"`
	MappingProfileID *string         `json:"mapping_profile_id,omitempty" db:"mapping_profile_id"`
	Context          json.RawMessage `json:"context,omitempty" db:"context"`
	CreatedCount     int             `json:"created_count" db:"created_count"`
	MergedCount      int             `json:"merged_count" db:"merged_count"`
	SkippedCount     int             `json:"skipped_count" db:"skipped_count"`
	FailedCount      int             `json:"failed_count" db:"failed_count"`
	CreatedBy        string          `json:"created_by" db:"created_by"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// CreateImportJobRequest is the request to register an uploaded file.
type CreateImportJobRequest struct {
	SourceSystem string         `json:"source_system" validate:"required"`
	FileName     string         `json:"file_name" validate:"required"`
	FileFormat   string         `json:"file_format" validate:"required"`
	Headers      []string       `json:"headers" validate:"required,min=1"`
	Context      map[string]any `json:"context,omitempty"`
}

// ApplyResult reports the outcome counters of an apply run.
type ApplyResult struct {
	Created int `json:"created"`
	Merged  int `json:"merged"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}
