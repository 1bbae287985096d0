package stagerow

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repository handles stage row persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new stage row repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// InsertBatch writes a batch of staged rows. The unique (job_id, row_index)
// index plus DO NOTHING makes re-staging the same batch a no-op, so a
// retried stage request cannot double-write rows.
func (r *Repository) InsertBatch(ctx context.Context, rows []*models.StageRow) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "stagerow.Repository.InsertBatch")
	defer span.End()

	if len(rows) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	values := make([]any, 0, len(rows))
	for _, row := range rows {
		row.CreatedAt = now
		row.UpdatedAt = now
		values = append(values, FromStageRow(row))
	}

	ib := stageRowStruct.InsertInto(stageRowTable, values...)
	ib.OnConflictDoNothing()
	query, args := ib.Build()

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id":     rows[0].JobID,
			"batch_size": len(rows),
		}).Error("Failed to insert stage rows")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert stage rows")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert stage rows")
	}
	return int(affected), nil
}

// GetByJobAndIndex returns one staged row
func (r *Repository) GetByJobAndIndex(ctx context.Context, jobID string, rowIndex int) (*models.StageRow, error) {
	ctx, span := tracing.StartSpan(ctx, "stagerow.Repository.GetByJobAndIndex")
	defer span.End()

	sb := stageRowStruct.SelectFrom(stageRowTable)
	sb.Where(
		sb.Equal("job_id", jobID),
		sb.Equal("row_index", rowIndex),
	)
	query, args := sb.Build()

	var row StageRowRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "stage row %d not found in job %s", rowIndex, jobID)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id":    jobID,
			"row_index": rowIndex,
		}).Error("Failed to get stage row")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get stage row")
	}
	return row.ToStageRow(), nil
}

// ListByJob returns every staged row of a job in source order
func (r *Repository) ListByJob(ctx context.Context, jobID string) ([]models.StageRow, error) {
	ctx, span := tracing.StartSpan(ctx, "stagerow.Repository.ListByJob")
	defer span.End()

	sb := stageRowStruct.SelectFrom(stageRowTable)
	sb.Where(sb.Equal("job_id", jobID))
	sb.OrderBy("row_index ASC")
	query, args := sb.Build()

	var rows []StageRowRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": jobID}).Error("Failed to list stage rows")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list stage rows")
	}

	out := make([]models.StageRow, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToStageRow()
	}
	return out, nil
}

// ListUnapplied returns decided rows the apply executor still has to
// process, in source order. Resume after a partial apply starts from here.
func (r *Repository) ListUnapplied(ctx context.Context, jobID string) ([]models.StageRow, error) {
	ctx, span := tracing.StartSpan(ctx, "stagerow.Repository.ListUnapplied")
	defer span.End()

	sb := stageRowStruct.SelectFrom(stageRowTable)
	sb.Where(
		sb.Equal("job_id", jobID),
		sb.IsNull("applied_at"),
	)
	sb.OrderBy("row_index ASC")
	query, args := sb.Build()

	var rows []StageRowRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": jobID}).Error("Failed to list unapplied stage rows")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list stage rows")
	}

	out := make([]models.StageRow, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToStageRow()
	}
	return out, nil
}

// UpdateValidation stores the validation verdict for one row
func (r *Repository) UpdateValidation(ctx context.Context, id string, status models.StageRowStatus, issues []string) error {
	ctx, span := tracing.StartSpan(ctx, "stagerow.Repository.UpdateValidation")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(stageRowTable)
	ub.Set(
		ub.Assign("status", string(status)),
		ub.Assign("issues", pq.StringArray(issues)),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("id", id))
	query, args := ub.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"row_id": id}).Error("Failed to update stage row validation")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update stage row")
	}
	return nil
}

// SetDecision stores the resolver verdict for one row
func (r *Repository) SetDecision(ctx context.Context, id string, action models.DecisionAction, targetID *string, detail []byte) error {
	ctx, span := tracing.StartSpan(ctx, "stagerow.Repository.SetDecision")
	defer span.End()

	var target sql.NullString
	if targetID != nil {
		target = sql.NullString{String: *targetID, Valid: true}
	}

	query := `
		UPDATE stage_rows
		SET decision_action = $2,
		    decision_target_id = $3,
		    decision_detail = $4,
		    updated_at = $5
		WHERE id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, id, string(action), target, detail, time.Now().UTC()); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"row_id": id,
			"action": action,
		}).Error("Failed to set stage row decision")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set stage row decision")
	}
	return nil
}

// MarkApplied records the apply outcome for one row
func (r *Repository) MarkApplied(ctx context.Context, id string, entityID *string) error {
	ctx, span := tracing.StartSpan(ctx, "stagerow.Repository.MarkApplied")
	defer span.End()

	var entity sql.NullString
	if entityID != nil {
		entity = sql.NullString{String: *entityID, Valid: true}
	}

	now := time.Now().UTC()
	query := `
		UPDATE stage_rows
		SET applied_at = $2,
		    applied_entity_id = $3,
		    apply_error = NULL,
		    updated_at = $2
		WHERE id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, id, now, entity); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"row_id": id}).Error("Failed to mark stage row applied")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark stage row applied")
	}
	return nil
}

// MarkApplyError records a per-row apply failure without touching applied_at,
// so the row stays eligible for a retry run
func (r *Repository) MarkApplyError(ctx context.Context, id string, applyErr string) error {
	ctx, span := tracing.StartSpan(ctx, "stagerow.Repository.MarkApplyError")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(stageRowTable)
	ub.Set(
		ub.Assign("apply_error", applyErr),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("id", id))
	query, args := ub.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"row_id": id}).Error("Failed to record stage row apply error")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record stage row apply error")
	}
	return nil
}

// CountByStatus returns row counts per validation status for a job
func (r *Repository) CountByStatus(ctx context.Context, jobID string) (map[models.StageRowStatus]int, error) {
	ctx, span := tracing.StartSpan(ctx, "stagerow.Repository.CountByStatus")
	defer span.End()

	query := `
		SELECT status, COUNT(*) AS total
		FROM stage_rows
		WHERE job_id = $1
		GROUP BY status
	`

	var rows []struct {
		Status string `db:"status"`
		Total  int    `db:"total"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": jobID}).Error("Failed to count stage rows")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count stage rows")
	}

	counts := make(map[models.StageRowStatus]int, len(rows))
	for _, row := range rows {
		counts[models.StageRowStatus(row.Status)] = row.Total
	}
	return counts, nil
}
