package lookup

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/enginerr"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repository handles governed lookup types, options and review candidates
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new lookup repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ListTypes returns every governed dimension
func (r *Repository) ListTypes(ctx context.Context) ([]models.LookupType, error) {
	ctx, span := tracing.StartSpan(ctx, "lookup.Repository.ListTypes")
	defer span.End()

	sb := lookupTypeStruct.SelectFrom(lookupTypeTable)
	sb.OrderBy("key ASC")
	query, args := sb.Build()

	var rows []LookupTypeRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list lookup types")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list lookup types")
	}

	out := make([]models.LookupType, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToLookupType()
	}
	return out, nil
}

// FindOption resolves a staged value against a type's active options using
// the normalized comparison form
func (r *Repository) FindOption(ctx context.Context, typeKey, value string) (*models.LookupOption, error) {
	ctx, span := tracing.StartSpan(ctx, "lookup.Repository.FindOption")
	defer span.End()

	normalized := normalizers.LookupValue(value)

	sb := lookupOptionStruct.SelectFrom(lookupOptionTable)
	sb.Where(
		sb.Equal("type_key", typeKey),
		sb.Equal("normalized_code", normalized),
		sb.Equal("is_active", true),
	)
	sb.Limit(1)
	query, args := sb.Build()

	var row LookupOptionRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"type_key": typeKey}).Error("Failed to find lookup option")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find lookup option")
	}
	return row.ToLookupOption(), nil
}

// CreateOption mints a new approved option for a governed dimension
func (r *Repository) CreateOption(ctx context.Context, typeKey, code, label, createdBy string) (*models.LookupOption, error) {
	ctx, span := tracing.StartSpan(ctx, "lookup.Repository.CreateOption")
	defer span.End()

	row := &LookupOptionRow{
		ID:             uuid.New().String(),
		TypeKey:        typeKey,
		Code:           code,
		NormalizedCode: normalizers.LookupValue(code),
		Label:          label,
		IsActive:       true,
		CreatedBy:      createdBy,
		CreatedAt:      sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}

	ib := lookupOptionStruct.InsertInto(lookupOptionTable, row)
	ub := ib.OnConflict("type_key", "normalized_code")
	ub.Set(ub.Assign("is_active", true))
	query, args := ib.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"type_key": typeKey,
			"code":     code,
		}).Error("Failed to create lookup option")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create lookup option")
	}

	return row.ToLookupOption(), nil
}

// UpsertCandidate records an unknown value for review. A repeat sighting of
// the same normalized value in the same job only bumps the counter.
func (r *Repository) UpsertCandidate(ctx context.Context, jobID, typeKey, rawValue string, rowIndex int) error {
	ctx, span := tracing.StartSpan(ctx, "lookup.Repository.UpsertCandidate")
	defer span.End()

	row := &LookupCandidateRow{
		ID:              uuid.New().String(),
		JobID:           jobID,
		TypeKey:         typeKey,
		RawValue:        rawValue,
		NormalizedValue: normalizers.LookupValue(rawValue),
		Status:          string(models.LookupCandidateStatusPending),
		Occurrences:     1,
		FirstRowIndex:   rowIndex,
		CreatedAt:       sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}

	query := `
		INSERT INTO lookup_candidates (id, job_id, type_key, raw_value, normalized_value, status, occurrences, first_row_index, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id, type_key, normalized_value)
		DO UPDATE SET occurrences = lookup_candidates.occurrences + 1
	`

	if _, err := r.db.ExecContext(ctx, query,
		row.ID, row.JobID, row.TypeKey, row.RawValue, row.NormalizedValue,
		row.Status, row.Occurrences, row.FirstRowIndex, row.CreatedAt.Time,
	); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id":   jobID,
			"type_key": typeKey,
		}).Error("Failed to upsert lookup candidate")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record lookup candidate")
	}
	return nil
}

// GetCandidate returns one candidate
func (r *Repository) GetCandidate(ctx context.Context, id string) (*models.LookupCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "lookup.Repository.GetCandidate")
	defer span.End()

	sb := lookupCandidateStruct.SelectFrom(lookupCandidateTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var row LookupCandidateRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "lookup candidate %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"candidate_id": id}).Error("Failed to get lookup candidate")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get lookup candidate")
	}
	return row.ToLookupCandidate(), nil
}

// ListCandidatesByJob returns a job's candidates, optionally filtered by status
func (r *Repository) ListCandidatesByJob(ctx context.Context, jobID string, status models.LookupCandidateStatus) ([]models.LookupCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "lookup.Repository.ListCandidatesByJob")
	defer span.End()

	sb := lookupCandidateStruct.SelectFrom(lookupCandidateTable)
	where := []string{sb.Equal("job_id", jobID)}
	if status != "" {
		where = append(where, sb.Equal("status", string(status)))
	}
	sb.Where(where...)
	sb.OrderBy("type_key ASC", "normalized_value ASC")
	query, args := sb.Build()

	var rows []LookupCandidateRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": jobID}).Error("Failed to list lookup candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list lookup candidates")
	}

	out := make([]models.LookupCandidate, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToLookupCandidate()
	}
	return out, nil
}

// CountPending returns the number of unreviewed candidates blocking a job
func (r *Repository) CountPending(ctx context.Context, jobID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "lookup.Repository.CountPending")
	defer span.End()

	query := `SELECT COUNT(*) FROM lookup_candidates WHERE job_id = $1 AND status = $2`

	var count int
	if err := r.db.GetContext(ctx, &count, query, jobID, string(models.LookupCandidateStatusPending)); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": jobID}).Error("Failed to count pending lookup candidates")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count lookup candidates")
	}
	return count, nil
}

// MarkReviewed stores a steward verdict on a pending candidate. Reviewing a
// candidate that already left pending is a stale update and is rejected.
func (r *Repository) MarkReviewed(ctx context.Context, id string, status models.LookupCandidateStatus, reviewedBy, note string, mintedOptionID *string) error {
	ctx, span := tracing.StartSpan(ctx, "lookup.Repository.MarkReviewed")
	defer span.End()

	var minted sql.NullString
	if mintedOptionID != nil {
		minted = sql.NullString{String: *mintedOptionID, Valid: true}
	}
	var reviewNote sql.NullString
	if note != "" {
		reviewNote = sql.NullString{String: note, Valid: true}
	}

	query := `
		UPDATE lookup_candidates
		SET status = $2, reviewed_by = $3, review_note = $4, reviewed_at = $5, minted_option_id = $6
		WHERE id = $1 AND status = $7
	`

	result, err := r.db.ExecContext(ctx, query, id, string(status), reviewedBy, reviewNote, time.Now().UTC(), minted, string(models.LookupCandidateStatusPending))
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"candidate_id": id}).Error("Failed to review lookup candidate")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to review lookup candidate")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to review lookup candidate")
	}
	if affected == 0 {
		return enginerr.Newf(enginerr.KindStaleJobState, "lookup candidate %s is no longer pending", id).
			WithMeta("candidate_id", id)
	}
	return nil
}
