package models

import "time"

// LookupCandidateStatus is the governance review state of a candidate value.
type LookupCandidateStatus string

const (
	LookupCandidateStatusPending  LookupCandidateStatus = "pending"
	LookupCandidateStatusApproved LookupCandidateStatus = "approved"
	LookupCandidateStatusRejected LookupCandidateStatus = "rejected"
)

// LookupType is a governed dimension. FieldKeys lists the mapped catalog
// fields whose values must resolve to one of the type's options.
type LookupType struct {
	Key       string    `json:"key" db:"key"`
	Name      string    `json:"name" db:"name"`
	FieldKeys []string  `json:"field_keys" db:"field_keys"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LookupOption is one approved value of a governed dimension.
type LookupOption struct {
	ID        string    `json:"id" db:"id"`
	TypeKey   string    `json:"type_key" db:"type_key"`
	Code      string    `json:"code" db:"code"`
	Label     string    `json:"label" db:"label"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedBy string    `json:"created_by" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LookupCandidate is an unknown value observed during staging, queued for
// data-steward review. One candidate per (job, type, normalized value) no
// matter how many rows carried it; Occurrences counts the rows.
type LookupCandidate struct {
	ID              string                `json:"id" db:"id"`
	JobID           string                `json:"job_id" db:"job_id"`
	TypeKey         string                `json:"type_key" db:"type_key"`
	RawValue        string                `json:"raw_value" db:"raw_value"`
	NormalizedValue string                `json:"normalized_value" db:"normalized_value"`
	Status          LookupCandidateStatus `json:"status" db:"status"`
	Occurrences     int                   `json:"occurrences" db:"occurrences"`
	FirstRowIndex   int                   `json:"first_row_index" db:"first_row_index"`
	MintedOptionID  *string               `json:"minted_option_id,omitempty" db:"minted_option_id"`
	ReviewedBy      *string               `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewNote      *string               `json:"review_note,omitempty" db:"review_note"`
	ReviewedAt      *time.Time            `json:"reviewed_at,omitempty" db:"reviewed_at"`
	CreatedAt       time.Time             `json:"created_at" db:"created_at"`
}

// ReviewCandidateRequest records a steward verdict on a pending candidate.
// Approving mints a new lookup option; Code and Label default to the
// candidate's normalized and raw value when omitted.
type ReviewCandidateRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
	Code     string `json:"code,omitempty"`
	Label    string `json:"label,omitempty"`
	Note     string `json:"note,omitempty"`
}

// GovernanceReport summarizes the governance gate for a job.
type GovernanceReport struct {
	JobID        string            `json:"job_id"`
	PendingCount int               `json:"pending_count"`
	Candidates   []LookupCandidate `json:"candidates"`
}
