package importjob

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/enginerr"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repository handles import job persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new import job repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new import job
func (r *Repository) Create(ctx context.Context, job *models.ImportJob) error {
	ctx, span := tracing.StartSpan(ctx, "importjob.Repository.Create")
	defer span.End()

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	ib := importJobStruct.InsertInto(importJobTable, FromImportJob(job))
	query, args := ib.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id":        job.ID,
			"source_system": job.SourceSystem,
		}).Error("Failed to create import job")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create import job")
	}

	return nil
}

// GetByID returns one import job
func (r *Repository) GetByID(ctx context.Context, id string) (*models.ImportJob, error) {
	ctx, span := tracing.StartSpan(ctx, "importjob.Repository.GetByID")
	defer span.End()

	sb := importJobStruct.SelectFrom(importJobTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var row ImportJobRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "import job %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": id}).Error("Failed to get import job")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get import job")
	}

	return row.ToImportJob(), nil
}

// List returns recent jobs, newest first
func (r *Repository) List(ctx context.Context, limit, offset int) ([]models.ImportJob, error) {
	ctx, span := tracing.StartSpan(ctx, "importjob.Repository.List")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}

	sb := importJobStruct.SelectFrom(importJobTable)
	sb.OrderBy("created_at DESC")
	sb.Limit(limit)
	sb.Offset(offset)
	query, args := sb.Build()

	var rows []ImportJobRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list import jobs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list import jobs")
	}

	jobs := make([]models.ImportJob, len(rows))
	for i := range rows {
		jobs[i] = *rows[i].ToImportJob()
	}
	return jobs, nil
}

// TransitionStatus swaps the job status with an optimistic guard on the
// expected current status. A zero-row update means the job moved under the
// caller and the transition is stale.
func (r *Repository) TransitionStatus(ctx context.Context, id string, from, to models.ImportJobStatus) error {
	ctx, span := tracing.StartSpan(ctx, "importjob.Repository.TransitionStatus")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(importJobTable)
	ub.Set(
		ub.Assign("status", string(to)),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(
		ub.Equal("id", id),
		ub.Equal("status", string(from)),
	)
	query, args := ub.Build()

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id": id,
			"from":   from,
			"to":     to,
		}).Error("Failed to transition import job status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to transition import job")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to transition import job")
	}
	if affected == 0 {
		return enginerr.Newf(enginerr.KindStaleJobState, "import job %s is not in status %s", id, from).
			WithMeta("job_id", id).
			WithMeta("expected_status", string(from)).
			WithMeta("target_status", string(to))
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id": id,
		"from":   from,
		"to":     to,
	}).Info("Import job status transitioned")

	return nil
}

// SetMappingProfile pins the profile version the job staged under
func (r *Repository) SetMappingProfile(ctx context.Context, id, profileID string) error {
	ctx, span := tracing.StartSpan(ctx, "importjob.Repository.SetMappingProfile")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(importJobTable)
	ub.Set(
		ub.Assign("mapping_profile_id", profileID),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("id", id))
	query, args := ub.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id":     id,
			"profile_id": profileID,
		}).Error("Failed to pin mapping profile on import job")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update import job")
	}
	return nil
}

// AddCounters accumulates apply outcome counters onto the job
func (r *Repository) AddCounters(ctx context.Context, id string, result models.ApplyResult) error {
	ctx, span := tracing.StartSpan(ctx, "importjob.Repository.AddCounters")
	defer span.End()

	query := `
		UPDATE import_jobs
		SET created_count = created_count + $2,
		    merged_count = merged_count + $3,
		    skipped_count = skipped_count + $4,
		    failed_count = failed_count + $5,
		    updated_at = $6
		WHERE id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, id, result.Created, result.Merged, result.Skipped, result.Failed, time.Now().UTC()); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": id}).Error("Failed to add import job counters")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update import job counters")
	}
	return nil
}

// Complete marks the job finished in a terminal status
func (r *Repository) Complete(ctx context.Context, id string, status models.ImportJobStatus) error {
	ctx, span := tracing.StartSpan(ctx, "importjob.Repository.Complete")
	defer span.End()

	now := time.Now().UTC()
	ub := database.NewUpdateBuilder()
	ub.Update(importJobTable)
	ub.Set(
		ub.Assign("status", string(status)),
		ub.Assign("completed_at", now),
		ub.Assign("updated_at", now),
	)
	ub.Where(ub.Equal("id", id))
	query, args := ub.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id": id,
			"status": status,
		}).Error("Failed to complete import job")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to complete import job")
	}
	return nil
}
