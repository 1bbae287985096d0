package importjob

import (
	"database/sql"
	"encoding/json"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

const importJobTable = "import_jobs"

var importJobStruct = database.NewStruct(new(ImportJobRow))

// ImportJobRow is the import_jobs persistence shape.
type ImportJobRow struct {
	ID               string                         `db:"id"`
	SourceSystem     string                         `db:"source_system"`
	FileName         string                         `db:"file_name"`
	FileFormat       string                         `db:"file_format"`
	LayoutKey        string                         `db:"layout_key"`
	Status           string                         `db:"status"`
	MappingProfileID sql.NullString                 `db:"mapping_profile_id"`
	Context          database.JSONB[map[string]any] `db:"context"`
	CreatedCount     int                            `db:"created_count"`
	MergedCount      int                            `db:"merged_count"`
	SkippedCount     int                            `db:"skipped_count"`
	FailedCount      int                            `db:"failed_count"`
	CreatedBy        string                         `db:"created_by"`
	CreatedAt        sql.NullTime                   `db:"created_at"`
	UpdatedAt        sql.NullTime                   `db:"updated_at"`
	CompletedAt      sql.NullTime                   `db:"completed_at"`
}

func FromImportJob(job *models.ImportJob) *ImportJobRow {
	row := &ImportJobRow{
		ID:           job.ID,
		SourceSystem: job.SourceSystem,
		FileName:     job.FileName,
		FileFormat:   job.FileFormat,
		LayoutKey:    job.LayoutKey,
		Status:       string(job.Status),
		CreatedCount: job.CreatedCount,
		MergedCount:  job.MergedCount,
		SkippedCount: job.SkippedCount,
		FailedCount:  job.FailedCount,
		CreatedBy:    job.CreatedBy,
		CreatedAt:    sql.NullTime{Time: job.CreatedAt, Valid: !job.CreatedAt.IsZero()},
		UpdatedAt:    sql.NullTime{Time: job.UpdatedAt, Valid: !job.UpdatedAt.IsZero()},
	}
	if job.MappingProfileID != nil {
		row.MappingProfileID = sql.NullString{String: *job.MappingProfileID, Valid: true}
	}
	if job.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *job.CompletedAt, Valid: true}
	}
	if len(job.Context) > 0 {
		var ctx map[string]any
		if err := json.Unmarshal(job.Context, &ctx); err == nil {
			row.Context = database.JSONB[map[string]any]{Data: ctx}
		}
	}
	return row
}

func (row *ImportJobRow) ToImportJob() *models.ImportJob {
	job := &models.ImportJob{
		ID:           row.ID,
		SourceSystem: row.SourceSystem,
		FileName:     row.FileName,
		FileFormat:   row.FileFormat,
		LayoutKey:    row.LayoutKey,
		Status:       models.ImportJobStatus(row.Status),
		CreatedCount: row.CreatedCount,
		MergedCount:  row.MergedCount,
		SkippedCount: row.SkippedCount,
		FailedCount:  row.FailedCount,
		CreatedBy:    row.CreatedBy,
		CreatedAt:    row.CreatedAt.Time,
		UpdatedAt:    row.UpdatedAt.Time,
	}
	if row.MappingProfileID.Valid {
		job.MappingProfileID = &row.MappingProfileID.String
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		job.CompletedAt = &t
	}
	if row.Context.Data != nil {
		raw, err := json.Marshal(row.Context.Data)
		if err == nil {
			job.Context = raw
		}
	}
	return job
}
