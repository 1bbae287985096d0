package models

import (
	"encoding/json"
	"time"
)

// Vendor is the canonical master record for a supplier. Scalar columns carry
// the governed attributes; Attributes keeps everything else from the source
// payloads so no imported data is lost.
type Vendor struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	NormalizedName string          `json:"normalized_name" db:"normalized_name"`
	LegalName      *string         `json:"legal_name,omitempty" db:"legal_name"`
	Website        *string         `json:"website,omitempty" db:"website"`
	Category       *string         `json:"category,omitempty" db:"category"`
	RiskTier       *string         `json:"risk_tier,omitempty" db:"risk_tier"`
	Status         *string         `json:"status,omitempty" db:"status"`
	Attributes     json.RawMessage `json:"attributes,omitempty" db:"attributes"`

	// Merge archival. An absorbed vendor stays on file with these set and
	// is excluded from default reads.
	MergedIntoID *string    `json:"merged_into_id,omitempty" db:"merged_into_id"`
	MergedAt     *time.Time `json:"merged_at,omitempty" db:"merged_at"`
	MergedBy     *string    `json:"merged_by,omitempty" db:"merged_by"`
	MergeReason  *string    `json:"merge_reason,omitempty" db:"merge_reason"`
	MergeEventID *string    `json:"merge_event_id,omitempty" db:"merge_event_id"`

	SourceJobID *string   `json:"source_job_id,omitempty" db:"source_job_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// IsMerged reports whether the vendor was absorbed into another record.
func (v *Vendor) IsMerged() bool {
	return v.MergedIntoID != nil
}

// CatalogRecord is one child entity of a vendor: an offering, contract,
// contact, owner, project, invoice or payment. All child areas share this
// shape; the area decides which table it lives in.
type CatalogRecord struct {
	ID             string          `json:"id" db:"id"`
	Area           string          `json:"area" db:"-"`
	ParentID       string          `json:"parent_id" db:"parent_id"`
	Name           string          `json:"name" db:"name"`
	NormalizedName string          `json:"normalized_name" db:"normalized_name"`
	Data           json.RawMessage `json:"data,omitempty" db:"data"`
	SourceJobID    *string         `json:"source_job_id,omitempty" db:"source_job_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// ListVendorsQuery filters canonical vendor reads. Merged records only show
// up when IncludeMerged is set.
type ListVendorsQuery struct {
	Search        string `query:"search"`
	IncludeMerged bool   `query:"include_merged"`
	Limit         int    `query:"limit" validate:"gte=0,lte=500"`
	Offset        int    `query:"offset" validate:"gte=0"`
}
