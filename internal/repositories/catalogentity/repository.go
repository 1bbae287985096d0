// Package catalogentity persists child-area records (offerings, contracts,
// contacts, owners, projects, invoices, payments). All child areas share one
// row shape; the area picks the table through the schema contract.
package catalogentity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/fern/pkg/areas"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// RecordRow is the shared child-table persistence shape.
type RecordRow struct {
	ID             string                         `db:"id"`
	ParentID       string                         `db:"parent_id"`
	Name           string                         `db:"name"`
	NormalizedName string                         `db:"normalized_name"`
	Data           database.JSONB[map[string]any] `db:"data"`
	SourceJobID    sql.NullString                 `db:"source_job_id"`
	ArchivedAt     sql.NullTime                   `db:"archived_at"`
	MergeEventID   sql.NullString                 `db:"merge_event_id"`
	CreatedAt      sql.NullTime                   `db:"created_at"`
	UpdatedAt      sql.NullTime                   `db:"updated_at"`
}

func (row *RecordRow) ToRecord(area areas.Area) *models.CatalogRecord {
	rec := &models.CatalogRecord{
		ID:             row.ID,
		Area:           string(area),
		ParentID:       row.ParentID,
		Name:           row.Name,
		NormalizedName: row.NormalizedName,
		CreatedAt:      row.CreatedAt.Time,
		UpdatedAt:      row.UpdatedAt.Time,
	}
	if row.SourceJobID.Valid {
		rec.SourceJobID = &row.SourceJobID.String
	}
	if row.Data.Data != nil {
		if raw, err := json.Marshal(row.Data.Data); err == nil {
			rec.Data = raw
		}
	}
	return rec
}

// parentColumn aliases the contract's parent column to the shared row shape.
// Child tables store their parent under the contract column name; queries
// select it AS parent_id.
func columns(a areas.Area) string {
	return fmt.Sprintf("id, %s AS parent_id, name, normalized_name, data, source_job_id, archived_at, merge_event_id, created_at, updated_at", areas.ParentColumn(a))
}

// Repository handles child-area record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new catalog entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a child record under its parent
func (r *Repository) Create(ctx context.Context, area areas.Area, rec *models.CatalogRecord) error {
	ctx, span := tracing.StartSpan(ctx, "catalogentity.Repository.Create")
	defer span.End()

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	var data map[string]any
	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, &data); err != nil {
			return httperror.WrapError(http.StatusInternalServerError, err)
		}
	}
	var sourceJob sql.NullString
	if rec.SourceJobID != nil {
		sourceJob = sql.NullString{String: *rec.SourceJobID, Valid: true}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, %s, name, normalized_name, data, source_job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, areas.Table(area), areas.ParentColumn(area))

	if _, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.ParentID, rec.Name, rec.NormalizedName,
		database.JSONB[map[string]any]{Data: data}, sourceJob, now,
	); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"area":      area,
			"entity_id": rec.ID,
			"parent_id": rec.ParentID,
		}).Error("Failed to create catalog record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create record")
	}
	return nil
}

// GetByID returns one child record
func (r *Repository) GetByID(ctx context.Context, area areas.Area, id string) (*models.CatalogRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "catalogentity.Repository.GetByID")
	defer span.End()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, columns(area), areas.Table(area))

	var row RecordRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "%s %s not found", area, id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"area": area, "entity_id": id}).Error("Failed to get catalog record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get record")
	}
	return row.ToRecord(area), nil
}

// FindByNaturalKey returns active records matching (parent, normalized name),
// most recently updated first
func (r *Repository) FindByNaturalKey(ctx context.Context, area areas.Area, parentID, normalizedName string) ([]models.CatalogRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "catalogentity.Repository.FindByNaturalKey")
	defer span.End()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE %s = $1 AND normalized_name = $2 AND archived_at IS NULL
		ORDER BY updated_at DESC, id ASC
		LIMIT 10
	`, columns(area), areas.Table(area), areas.ParentColumn(area))

	var rows []RecordRow
	if err := r.db.SelectContext(ctx, &rows, query, parentID, normalizedName); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"area":            area,
			"parent_id":       parentID,
			"normalized_name": normalizedName,
		}).Error("Failed to find catalog records by natural key")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find records")
	}

	out := make([]models.CatalogRecord, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToRecord(area)
	}
	return out, nil
}

// FindByNaturalKeyGlobal returns active records matching a normalized name
// across every parent, most recently updated first. The decision resolver
// uses this when a child row names its parent but no parent id is known yet.
func (r *Repository) FindByNaturalKeyGlobal(ctx context.Context, area areas.Area, normalizedName string) ([]models.CatalogRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "catalogentity.Repository.FindByNaturalKeyGlobal")
	defer span.End()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE normalized_name = $1 AND archived_at IS NULL
		ORDER BY updated_at DESC, id ASC
		LIMIT 10
	`, columns(area), areas.Table(area))

	var rows []RecordRow
	if err := r.db.SelectContext(ctx, &rows, query, normalizedName); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"area":            area,
			"normalized_name": normalizedName,
		}).Error("Failed to find catalog records by natural key")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find records")
	}

	out := make([]models.CatalogRecord, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToRecord(area)
	}
	return out, nil
}

// ListByParents returns every active record under the given parents
func (r *Repository) ListByParents(ctx context.Context, area areas.Area, parentIDs []string) ([]models.CatalogRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "catalogentity.Repository.ListByParents")
	defer span.End()

	if len(parentIDs) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns(area))
	sb.From(areas.Table(area))
	anyIDs := make([]any, len(parentIDs))
	for i, id := range parentIDs {
		anyIDs[i] = id
	}
	sb.Where(
		sb.In(areas.ParentColumn(area), anyIDs...),
		sb.IsNull("archived_at"),
	)
	sb.OrderBy("normalized_name ASC")
	query, args := sb.Build()

	var rows []RecordRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"area": area}).Error("Failed to list catalog records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list records")
	}

	out := make([]models.CatalogRecord, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToRecord(area)
	}
	return out, nil
}

// MergeData folds new payload data into an existing record's data bag
func (r *Repository) MergeData(ctx context.Context, area areas.Area, id string, data map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "catalogentity.Repository.MergeData")
	defer span.End()

	if len(data) == 0 {
		return nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return httperror.WrapError(http.StatusInternalServerError, err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET data = COALESCE(data, '{}'::jsonb) || $2::jsonb, updated_at = $3
		WHERE id = $1
	`, areas.Table(area))

	if _, err := r.db.ExecContext(ctx, query, id, raw, time.Now().UTC()); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"area": area, "entity_id": id}).Error("Failed to merge catalog record data")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update record")
	}
	return nil
}

// Fold archives one record of a collision group during a merge. The record
// stays on file, tagged with the merge event that retired it.
func (r *Repository) Fold(ctx context.Context, area areas.Area, id, mergeEventID string) error {
	ctx, span := tracing.StartSpan(ctx, "catalogentity.Repository.Fold")
	defer span.End()

	query := fmt.Sprintf(`
		UPDATE %s
		SET archived_at = $2, merge_event_id = $3, updated_at = $2
		WHERE id = $1 AND archived_at IS NULL
	`, areas.Table(area))

	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC(), mergeEventID); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"area": area, "entity_id": id}).Error("Failed to fold catalog record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to fold record")
	}
	return nil
}
