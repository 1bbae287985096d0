// Package auditlog persists the entity change trail written by apply runs
// and merge executions.
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const entityChangeTable = "entity_changes"

var entityChangeStruct = database.NewStruct(new(EntityChangeRow))

// EntityChangeRow is the entity_changes persistence shape.
type EntityChangeRow struct {
	ID           string                         `db:"id"`
	Area         string                         `db:"area"`
	EntityID     string                         `db:"entity_id"`
	Action       string                         `db:"action"`
	JobID        sql.NullString                 `db:"job_id"`
	RowIndex     sql.NullInt64                  `db:"row_index"`
	MergeEventID sql.NullString                 `db:"merge_event_id"`
	Before       database.JSONB[map[string]any] `db:"before"`
	After        database.JSONB[map[string]any] `db:"after"`
	PerformedBy  string                         `db:"performed_by"`
	PerformedAt  sql.NullTime                   `db:"performed_at"`
}

func (row *EntityChangeRow) ToEntityChange() *models.EntityChange {
	c := &models.EntityChange{
		ID:          row.ID,
		Area:        row.Area,
		EntityID:    row.EntityID,
		Action:      models.EntityChangeAction(row.Action),
		PerformedBy: row.PerformedBy,
		PerformedAt: row.PerformedAt.Time,
	}
	if row.JobID.Valid {
		c.JobID = &row.JobID.String
	}
	if row.RowIndex.Valid {
		idx := int(row.RowIndex.Int64)
		c.RowIndex = &idx
	}
	if row.MergeEventID.Valid {
		c.MergeEventID = &row.MergeEventID.String
	}
	if row.Before.Data != nil {
		if raw, err := json.Marshal(row.Before.Data); err == nil {
			c.Before = raw
		}
	}
	if row.After.Data != nil {
		if raw, err := json.Marshal(row.After.Data); err == nil {
			c.After = raw
		}
	}
	return c
}

// Repository handles entity change persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new audit log repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Record writes one audit line
func (r *Repository) Record(ctx context.Context, change *models.EntityChange) error {
	ctx, span := tracing.StartSpan(ctx, "auditlog.Repository.Record")
	defer span.End()

	if change.ID == "" {
		change.ID = uuid.New().String()
	}
	if change.PerformedAt.IsZero() {
		change.PerformedAt = time.Now().UTC()
	}

	row := &EntityChangeRow{
		ID:          change.ID,
		Area:        change.Area,
		EntityID:    change.EntityID,
		Action:      string(change.Action),
		PerformedBy: change.PerformedBy,
		PerformedAt: sql.NullTime{Time: change.PerformedAt, Valid: true},
	}
	if change.JobID != nil {
		row.JobID = sql.NullString{String: *change.JobID, Valid: true}
	}
	if change.RowIndex != nil {
		row.RowIndex = sql.NullInt64{Int64: int64(*change.RowIndex), Valid: true}
	}
	if change.MergeEventID != nil {
		row.MergeEventID = sql.NullString{String: *change.MergeEventID, Valid: true}
	}
	if len(change.Before) > 0 {
		var before map[string]any
		if err := json.Unmarshal(change.Before, &before); err == nil {
			row.Before = database.JSONB[map[string]any]{Data: before}
		}
	}
	if len(change.After) > 0 {
		var after map[string]any
		if err := json.Unmarshal(change.After, &after); err == nil {
			row.After = database.JSONB[map[string]any]{Data: after}
		}
	}

	ib := entityChangeStruct.InsertInto(entityChangeTable, row)
	query, args := ib.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"area":      change.Area,
			"entity_id": change.EntityID,
			"action":    change.Action,
		}).Error("Failed to record entity change")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record entity change")
	}
	return nil
}

// ListByEntity returns an entity's change trail, newest first
func (r *Repository) ListByEntity(ctx context.Context, area, entityID string) ([]models.EntityChange, error) {
	ctx, span := tracing.StartSpan(ctx, "auditlog.Repository.ListByEntity")
	defer span.End()

	sb := entityChangeStruct.SelectFrom(entityChangeTable)
	sb.Where(
		sb.Equal("area", area),
		sb.Equal("entity_id", entityID),
	)
	sb.OrderBy("performed_at DESC")
	query, args := sb.Build()

	var rows []EntityChangeRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"area":      area,
			"entity_id": entityID,
		}).Error("Failed to list entity changes")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entity changes")
	}

	out := make([]models.EntityChange, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToEntityChange()
	}
	return out, nil
}
