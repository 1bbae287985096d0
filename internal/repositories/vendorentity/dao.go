package vendorentity

import (
	"database/sql"
	"encoding/json"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

const vendorTable = "vendors"

var vendorStruct = database.NewStruct(new(VendorRow))

// ScalarFields is the closed set of governed scalar columns survivorship can
// decide over. Column names in merge SQL only ever come from this list.
var ScalarFields = []string{"name", "legal_name", "website", "category", "risk_tier", "status"}

// IsScalarField reports whether a field is a governed vendor scalar.
func IsScalarField(field string) bool {
	for _, f := range ScalarFields {
		if f == field {
			return true
		}
	}
	return false
}

// VendorRow is the vendors persistence shape.
type VendorRow struct {
	ID             string                         `db:"id"`
	Name           string                         `db:"name"`
	NormalizedName string                         `db:"normalized_name"`
	LegalName      sql.NullString                 `db:"legal_name"`
	Website        sql.NullString                 `db:"website"`
	Category       sql.NullString                 `db:"category"`
	RiskTier       sql.NullString                 `db:"risk_tier"`
	Status         sql.NullString                 `db:"status"`
	Attributes     database.JSONB[map[string]any] `db:"attributes"`
	MergedIntoID   sql.NullString                 `db:"merged_into_id"`
	MergedAt       sql.NullTime                   `db:"merged_at"`
	MergedBy       sql.NullString                 `db:"merged_by"`
	MergeReason    sql.NullString                 `db:"merge_reason"`
	MergeEventID   sql.NullString                 `db:"merge_event_id"`
	SourceJobID    sql.NullString                 `db:"source_job_id"`
	CreatedAt      sql.NullTime                   `db:"created_at"`
	UpdatedAt      sql.NullTime                   `db:"updated_at"`
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func FromVendor(v *models.Vendor) *VendorRow {
	row := &VendorRow{
		ID:             v.ID,
		Name:           v.Name,
		NormalizedName: v.NormalizedName,
		LegalName:      nullStr(v.LegalName),
		Website:        nullStr(v.Website),
		Category:       nullStr(v.Category),
		RiskTier:       nullStr(v.RiskTier),
		Status:         nullStr(v.Status),
		MergedIntoID:   nullStr(v.MergedIntoID),
		MergedBy:       nullStr(v.MergedBy),
		MergeReason:    nullStr(v.MergeReason),
		MergeEventID:   nullStr(v.MergeEventID),
		SourceJobID:    nullStr(v.SourceJobID),
		CreatedAt:      sql.NullTime{Time: v.CreatedAt, Valid: !v.CreatedAt.IsZero()},
		UpdatedAt:      sql.NullTime{Time: v.UpdatedAt, Valid: !v.UpdatedAt.IsZero()},
	}
	if v.MergedAt != nil {
		row.MergedAt = sql.NullTime{Time: *v.MergedAt, Valid: true}
	}
	if len(v.Attributes) > 0 {
		var attrs map[string]any
		if err := json.Unmarshal(v.Attributes, &attrs); err == nil {
			row.Attributes = database.JSONB[map[string]any]{Data: attrs}
		}
	}
	return row
}

func (row *VendorRow) ToVendor() *models.Vendor {
	v := &models.Vendor{
		ID:             row.ID,
		Name:           row.Name,
		NormalizedName: row.NormalizedName,
		LegalName:      strPtr(row.LegalName),
		Website:        strPtr(row.Website),
		Category:       strPtr(row.Category),
		RiskTier:       strPtr(row.RiskTier),
		Status:         strPtr(row.Status),
		MergedIntoID:   strPtr(row.MergedIntoID),
		MergedBy:       strPtr(row.MergedBy),
		MergeReason:    strPtr(row.MergeReason),
		MergeEventID:   strPtr(row.MergeEventID),
		SourceJobID:    strPtr(row.SourceJobID),
		CreatedAt:      row.CreatedAt.Time,
		UpdatedAt:      row.UpdatedAt.Time,
	}
	if row.MergedAt.Valid {
		t := row.MergedAt.Time
		v.MergedAt = &t
	}
	if row.Attributes.Data != nil {
		if raw, err := json.Marshal(row.Attributes.Data); err == nil {
			v.Attributes = raw
		}
	}
	return v
}

// ScalarValue returns the vendor's value for a governed scalar field.
func ScalarValue(v *models.Vendor, field string) any {
	switch field {
	case "name":
		return v.Name
	case "legal_name":
		return deref(v.LegalName)
	case "website":
		return deref(v.Website)
	case "category":
		return deref(v.Category)
	case "risk_tier":
		return deref(v.RiskTier)
	case "status":
		return deref(v.Status)
	}
	return nil
}

func deref(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
