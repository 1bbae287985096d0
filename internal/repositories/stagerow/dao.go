package stagerow

import (
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

const stageRowTable = "stage_rows"

var stageRowStruct = database.NewStruct(new(StageRowRow))

// StageRowRow is the stage_rows persistence shape. Raw and Unmapped keep the
// parser's field order through the JSONB round-trip.
type StageRowRow struct {
	ID       string `db:"id"`
	JobID    string `db:"job_id"`
	Area     string `db:"area"`
	RowIndex int    `db:"row_index"`
	LineNo   int    `db:"line_no"`

	Raw      database.JSONB[models.RawRecord] `db:"raw"`
	Mapped   database.JSONB[map[string]any]   `db:"mapped"`
	Unmapped database.JSONB[models.RawRecord] `db:"unmapped"`

	NaturalKey string         `db:"natural_key"`
	Status     string         `db:"status"`
	Issues     pq.StringArray `db:"issues"`

	DecisionAction   sql.NullString                 `db:"decision_action"`
	DecisionTargetID sql.NullString                 `db:"decision_target_id"`
	DecisionDetail   database.JSONB[map[string]any] `db:"decision_detail"`

	AppliedAt       sql.NullTime   `db:"applied_at"`
	AppliedEntityID sql.NullString `db:"applied_entity_id"`
	ApplyError      sql.NullString `db:"apply_error"`

	CreatedAt sql.NullTime `db:"created_at"`
	UpdatedAt sql.NullTime `db:"updated_at"`
}

func FromStageRow(row *models.StageRow) *StageRowRow {
	out := &StageRowRow{
		ID:         row.ID,
		JobID:      row.JobID,
		Area:       row.Area,
		RowIndex:   row.RowIndex,
		LineNo:     row.LineNo,
		Raw:        database.JSONB[models.RawRecord]{Data: row.Raw},
		Unmapped:   database.JSONB[models.RawRecord]{Data: row.Unmapped},
		NaturalKey: row.NaturalKey,
		Status:     string(row.Status),
		Issues:     pq.StringArray(row.Issues),
		CreatedAt:  sql.NullTime{Time: row.CreatedAt, Valid: !row.CreatedAt.IsZero()},
		UpdatedAt:  sql.NullTime{Time: row.UpdatedAt, Valid: !row.UpdatedAt.IsZero()},
	}
	if len(row.Mapped) > 0 {
		var mapped map[string]any
		if err := json.Unmarshal(row.Mapped, &mapped); err == nil {
			out.Mapped = database.JSONB[map[string]any]{Data: mapped}
		}
	}
	if row.DecisionAction != "" {
		out.DecisionAction = sql.NullString{String: string(row.DecisionAction), Valid: true}
	}
	if row.DecisionTargetID != nil {
		out.DecisionTargetID = sql.NullString{String: *row.DecisionTargetID, Valid: true}
	}
	if len(row.DecisionDetail) > 0 {
		var detail map[string]any
		if err := json.Unmarshal(row.DecisionDetail, &detail); err == nil {
			out.DecisionDetail = database.JSONB[map[string]any]{Data: detail}
		}
	}
	if row.AppliedAt != nil {
		out.AppliedAt = sql.NullTime{Time: *row.AppliedAt, Valid: true}
	}
	if row.AppliedEntityID != nil {
		out.AppliedEntityID = sql.NullString{String: *row.AppliedEntityID, Valid: true}
	}
	if row.ApplyError != nil {
		out.ApplyError = sql.NullString{String: *row.ApplyError, Valid: true}
	}
	return out
}

func (row *StageRowRow) ToStageRow() *models.StageRow {
	out := &models.StageRow{
		ID:         row.ID,
		JobID:      row.JobID,
		Area:       row.Area,
		RowIndex:   row.RowIndex,
		LineNo:     row.LineNo,
		Raw:        row.Raw.Data,
		Unmapped:   row.Unmapped.Data,
		NaturalKey: row.NaturalKey,
		Status:     models.StageRowStatus(row.Status),
		Issues:     []string(row.Issues),
		CreatedAt:  row.CreatedAt.Time,
		UpdatedAt:  row.UpdatedAt.Time,
	}
	if row.Mapped.Data != nil {
		if raw, err := json.Marshal(row.Mapped.Data); err == nil {
			out.Mapped = raw
		}
	}
	if row.DecisionAction.Valid {
		out.DecisionAction = models.DecisionAction(row.DecisionAction.String)
	}
	if row.DecisionTargetID.Valid {
		out.DecisionTargetID = &row.DecisionTargetID.String
	}
	if row.DecisionDetail.Data != nil {
		if raw, err := json.Marshal(row.DecisionDetail.Data); err == nil {
			out.DecisionDetail = raw
		}
	}
	if row.AppliedAt.Valid {
		t := row.AppliedAt.Time
		out.AppliedAt = &t
	}
	if row.AppliedEntityID.Valid {
		out.AppliedEntityID = &row.AppliedEntityID.String
	}
	if row.ApplyError.Valid {
		out.ApplyError = &row.ApplyError.String
	}
	return out
}
