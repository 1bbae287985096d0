package lookup

import (
	"database/sql"

	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	lookupTypeTable      = "lookup_types"
	lookupOptionTable    = "lookup_options"
	lookupCandidateTable = "lookup_candidates"
)

var (
	lookupTypeStruct      = database.NewStruct(new(LookupTypeRow))
	lookupOptionStruct    = database.NewStruct(new(LookupOptionRow))
	lookupCandidateStruct = database.NewStruct(new(LookupCandidateRow))
)

// LookupTypeRow is the lookup_types persistence shape.
type LookupTypeRow struct {
	Key       string         `db:"key"`
	Name      string         `db:"name"`
	FieldKeys pq.StringArray `db:"field_keys"`
	CreatedAt sql.NullTime   `db:"created_at"`
}

func (row *LookupTypeRow) ToLookupType() *models.LookupType {
	return &models.LookupType{
		Key:       row.Key,
		Name:      row.Name,
		FieldKeys: []string(row.FieldKeys),
		CreatedAt: row.CreatedAt.Time,
	}
}

// LookupOptionRow is the lookup_options persistence shape. NormalizedCode is
// the comparison form staged values are matched against.
type LookupOptionRow struct {
	ID             string       `db:"id"`
	TypeKey        string       `db:"type_key"`
	Code           string       `db:"code"`
	NormalizedCode string       `db:"normalized_code"`
	Label          string       `db:"label"`
	IsActive       bool         `db:"is_active"`
	CreatedBy      string       `db:"created_by"`
	CreatedAt      sql.NullTime `db:"created_at"`
}

func (row *LookupOptionRow) ToLookupOption() *models.LookupOption {
	return &models.LookupOption{
		ID:        row.ID,
		TypeKey:   row.TypeKey,
		Code:      row.Code,
		Label:     row.Label,
		IsActive:  row.IsActive,
		CreatedBy: row.CreatedBy,
		CreatedAt: row.CreatedAt.Time,
	}
}

// LookupCandidateRow is the lookup_candidates persistence shape.
type LookupCandidateRow struct {
	ID              string         `db:"id"`
	JobID           string         `db:"job_id"`
	TypeKey         string         `db:"type_key"`
	RawValue        string         `db:"raw_value"`
	NormalizedValue string         `db:"normalized_value"`
	Status          string         `db:"status"`
	Occurrences     int            `db:"occurrences"`
	FirstRowIndex   int            `db:"first_row_index"`
	MintedOptionID  sql.NullString `db:"minted_option_id"`
	ReviewedBy      sql.NullString `db:"reviewed_by"`
	ReviewNote      sql.NullString `db:"review_note"`
	ReviewedAt      sql.NullTime   `db:"reviewed_at"`
	CreatedAt       sql.NullTime   `db:"created_at"`
}

func (row *LookupCandidateRow) ToLookupCandidate() *models.LookupCandidate {
	c := &models.LookupCandidate{
		ID:              row.ID,
		JobID:           row.JobID,
		TypeKey:         row.TypeKey,
		RawValue:        row.RawValue,
		NormalizedValue: row.NormalizedValue,
		Status:          models.LookupCandidateStatus(row.Status),
		Occurrences:     row.Occurrences,
		FirstRowIndex:   row.FirstRowIndex,
		CreatedAt:       row.CreatedAt.Time,
	}
	if row.MintedOptionID.Valid {
		c.MintedOptionID = &row.MintedOptionID.String
	}
	if row.ReviewedBy.Valid {
		c.ReviewedBy = &row.ReviewedBy.String
	}
	if row.ReviewNote.Valid {
		c.ReviewNote = &row.ReviewNote.String
	}
	if row.ReviewedAt.Valid {
		t := row.ReviewedAt.Time
		c.ReviewedAt = &t
	}
	return c
}
