package mergeevent

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repository handles merge event lineage persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge event repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetByID returns one merge event, nil when it does not exist
func (r *Repository) GetByID(ctx context.Context, id string) (*models.MergeEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeevent.Repository.GetByID")
	defer span.End()

	sb := mergeEventStruct.SelectFrom(mergeEventTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var row MergeEventRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"merge_id": id}).Error("Failed to get merge event")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get merge event")
	}
	return row.ToMergeEvent(), nil
}

// CreateEvent writes the merge event header
func (r *Repository) CreateEvent(ctx context.Context, event *models.MergeEvent) error {
	ctx, span := tracing.StartSpan(ctx, "mergeevent.Repository.CreateEvent")
	defer span.End()

	now := time.Now().UTC()
	event.CreatedAt = now
	if event.ExecutedAt.IsZero() {
		event.ExecutedAt = now
	}

	row := &MergeEventRow{
		ID:               event.ID,
		SurvivorVendorID: event.SurvivorVendorID,
		Status:           string(event.Status),
		Method:           event.Method,
		ExecutedBy:       event.ExecutedBy,
		ExecutedAt:       sql.NullTime{Time: event.ExecutedAt, Valid: true},
		CreatedAt:        sql.NullTime{Time: event.CreatedAt, Valid: true},
	}
	if event.Confidence != nil {
		row.Confidence = sql.NullFloat64{Float64: *event.Confidence, Valid: true}
	}
	if event.Reason != nil {
		row.Reason = sql.NullString{String: *event.Reason, Valid: true}
	}

	ib := mergeEventStruct.InsertInto(mergeEventTable, row)
	query, args := ib.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"merge_id": event.ID}).Error("Failed to create merge event")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create merge event")
	}
	return nil
}

// AddSnapshot captures a member's full pre-merge state
func (r *Repository) AddSnapshot(ctx context.Context, mergeID string, vendor *models.Vendor) (*models.MergeSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeevent.Repository.AddSnapshot")
	defer span.End()

	state, err := json.Marshal(vendor)
	if err != nil {
		return nil, httperror.WrapError(http.StatusInternalServerError, err)
	}
	var stateMap map[string]any
	if err := json.Unmarshal(state, &stateMap); err != nil {
		return nil, httperror.WrapError(http.StatusInternalServerError, err)
	}

	row := &MergeSnapshotRow{
		ID:         uuid.New().String(),
		MergeID:    mergeID,
		VendorID:   vendor.ID,
		State:      database.JSONB[map[string]any]{Data: stateMap},
		CapturedAt: sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}

	ib := mergeSnapshotStruct.InsertInto(mergeSnapshotTable, row)
	query, args := ib.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"merge_id":  mergeID,
			"vendor_id": vendor.ID,
		}).Error("Failed to write merge snapshot")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to write merge snapshot")
	}

	return row.ToMergeSnapshot(), nil
}

// AddMember links a vendor to the merge event with its role and snapshot
func (r *Repository) AddMember(ctx context.Context, mergeID, vendorID string, role models.MergeMemberRole, snapshotID string) error {
	ctx, span := tracing.StartSpan(ctx, "mergeevent.Repository.AddMember")
	defer span.End()

	row := &MergeMemberRow{
		ID:         uuid.New().String(),
		MergeID:    mergeID,
		VendorID:   vendorID,
		Role:       string(role),
		SnapshotID: snapshotID,
	}

	ib := mergeMemberStruct.InsertInto(mergeMemberTable, row)
	query, args := ib.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"merge_id":  mergeID,
			"vendor_id": vendorID,
		}).Error("Failed to add merge member")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to add merge member")
	}
	return nil
}

// AddSurvivorshipDecision records which member's value won a field
func (r *Repository) AddSurvivorshipDecision(ctx context.Context, d *models.SurvivorshipDecision) error {
	ctx, span := tracing.StartSpan(ctx, "mergeevent.Repository.AddSurvivorshipDecision")
	defer span.End()

	row := &SurvivorshipDecisionRow{
		ID:             uuid.New().String(),
		MergeID:        d.MergeID,
		Field:          d.Field,
		ChosenVendorID: d.ChosenVendorID,
		Rule:           d.Rule,
		DecidedBy:      d.DecidedBy,
		CreatedAt:      sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}
	if len(d.ChosenValue) > 0 {
		var v any
		if err := json.Unmarshal(d.ChosenValue, &v); err == nil {
			row.ChosenValue = database.JSONB[any]{Data: v}
		}
	}

	ib := survivorshipStruct.InsertInto(survivorshipTable, row)
	query, args := ib.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"merge_id": d.MergeID,
			"field":    d.Field,
		}).Error("Failed to record survivorship decision")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record survivorship decision")
	}
	return nil
}

// ListMembers returns every member of a merge event
func (r *Repository) ListMembers(ctx context.Context, mergeID string) ([]models.MergeMember, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeevent.Repository.ListMembers")
	defer span.End()

	sb := mergeMemberStruct.SelectFrom(mergeMemberTable)
	sb.Where(sb.Equal("merge_id", mergeID))
	query, args := sb.Build()

	var rows []MergeMemberRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"merge_id": mergeID}).Error("Failed to list merge members")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge members")
	}

	out := make([]models.MergeMember, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToMergeMember()
	}
	return out, nil
}

// ListSnapshots returns every snapshot of a merge event
func (r *Repository) ListSnapshots(ctx context.Context, mergeID string) ([]models.MergeSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeevent.Repository.ListSnapshots")
	defer span.End()

	sb := mergeSnapshotStruct.SelectFrom(mergeSnapshotTable)
	sb.Where(sb.Equal("merge_id", mergeID))
	query, args := sb.Build()

	var rows []MergeSnapshotRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"merge_id": mergeID}).Error("Failed to list merge snapshots")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge snapshots")
	}

	out := make([]models.MergeSnapshot, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToMergeSnapshot()
	}
	return out, nil
}
