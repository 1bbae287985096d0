package vendorentity

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

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// referenceTables lists every table holding a vendor_id that must be
// repointed when a vendor is absorbed. Purely schema-contract driven.
var referenceTables = []string{
	"vendor_contacts",
	"vendor_owners",
	"vendor_offerings",
	"vendor_contracts",
	"vendor_projects",
	"vendor_documents",
	"vendor_warnings",
}

// Repository handles canonical vendor persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new vendor repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new canonical vendor
func (r *Repository) Create(ctx context.Context, vendor *models.Vendor) error {
	ctx, span := tracing.StartSpan(ctx, "vendorentity.Repository.Create")
	defer span.End()

	now := time.Now().UTC()
	vendor.CreatedAt = now
	vendor.UpdatedAt = now
	if vendor.NormalizedName == "" {
		vendor.NormalizedName = normalizers.NaturalKey(vendor.Name)
	}

	ib := vendorStruct.InsertInto(vendorTable, FromVendor(vendor))
	query, args := ib.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"vendor_id": vendor.ID,
			"name":      vendor.Name,
		}).Error("Failed to create vendor")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create vendor")
	}

	return nil
}

// GetByID returns one vendor, merged or not
func (r *Repository) GetByID(ctx context.Context, id string) (*models.Vendor, error) {
	ctx, span := tracing.StartSpan(ctx, "vendorentity.Repository.GetByID")
	defer span.End()

	sb := vendorStruct.SelectFrom(vendorTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var row VendorRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "vendor %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"vendor_id": id}).Error("Failed to get vendor")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get vendor")
	}
	return row.ToVendor(), nil
}

// GetByIDs returns the given vendors keyed by id
func (r *Repository) GetByIDs(ctx context.Context, ids []string) (map[string]*models.Vendor, error) {
	ctx, span := tracing.StartSpan(ctx, "vendorentity.Repository.GetByIDs")
	defer span.End()

	if len(ids) == 0 {
		return map[string]*models.Vendor{}, nil
	}

	sb := vendorStruct.SelectFrom(vendorTable)
	anyIDs := make([]any, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}
	sb.Where(sb.In("id", anyIDs...))
	query, args := sb.Build()

	var rows []VendorRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get vendors by ids")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get vendors")
	}

	out := make(map[string]*models.Vendor, len(rows))
	for i := range rows {
		v := rows[i].ToVendor()
		out[v.ID] = v
	}
	return out, nil
}

// FindByNaturalKey returns active vendors matching a normalized name, most
// recently updated first. Absorbed vendors never match.
func (r *Repository) FindByNaturalKey(ctx context.Context, normalizedName string) ([]models.Vendor, error) {
	ctx, span := tracing.StartSpan(ctx, "vendorentity.Repository.FindByNaturalKey")
	defer span.End()

	sb := vendorStruct.SelectFrom(vendorTable)
	sb.Where(
		sb.Equal("normalized_name", normalizedName),
		sb.IsNull("merged_into_id"),
	)
	sb.OrderBy("updated_at DESC", "id ASC")
	sb.Limit(10)
	query, args := sb.Build()

	var rows []VendorRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"normalized_name": normalizedName}).Error("Failed to find vendors by natural key")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find vendors")
	}

	out := make([]models.Vendor, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToVendor()
	}
	return out, nil
}

// List returns canonical vendors. Merged records are excluded unless the
// query opts in.
func (r *Repository) List(ctx context.Context, q models.ListVendorsQuery) ([]models.Vendor, error) {
	ctx, span := tracing.StartSpan(ctx, "vendorentity.Repository.List")
	defer span.End()

	if q.Limit <= 0 {
		q.Limit = 50
	}

	sb := vendorStruct.SelectFrom(vendorTable)
	var where []string
	if !q.IncludeMerged {
		where = append(where, sb.IsNull("merged_into_id"))
	}
	if q.Search != "" {
		where = append(where, sb.Like("normalized_name", "%"+normalizers.NaturalKey(q.Search)+"%"))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("name ASC")
	sb.Limit(q.Limit)
	sb.Offset(q.Offset)
	query, args := sb.Build()

	var rows []VendorRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list vendors")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list vendors")
	}

	out := make([]models.Vendor, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToVendor()
	}
	return out, nil
}

// ResolveCanonical follows the merged_into chain from any vendor id to the
// surviving record, so stale ids keep resolving after merges.
func (r *Repository) ResolveCanonical(ctx context.Context, id string) (*models.Vendor, error) {
	ctx, span := tracing.StartSpan(ctx, "vendorentity.Repository.ResolveCanonical")
	defer span.End()

	seen := map[string]bool{}
	current := id
	for {
		if seen[current] {
			return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "merge chain cycle at vendor %s", current)
		}
		seen[current] = true

		vendor, err := r.GetByID(ctx, current)
		if err != nil {
			return nil, err
		}
		if vendor.MergedIntoID == nil {
			return vendor, nil
		}
		current = *vendor.MergedIntoID
	}
}

// UpdateScalars writes survivorship-decided values onto the survivor. Only
// governed scalar columns are accepted.
func (r *Repository) UpdateScalars(ctx context.Context, id string, fields map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "vendorentity.Repository.UpdateScalars")
	defer span.End()

	if len(fields) == 0 {
		return nil
	}

	ub := database.NewUpdateBuilder()
	ub.Update(vendorTable)
	assignments := []string{ub.Assign("updated_at", time.Now().UTC())}
	for _, field := range ScalarFields {
		value, ok := fields[field]
		if !ok {
			continue
		}
		if field == "name" {
			name, _ := value.(string)
			assignments = append(assignments, ub.Assign("normalized_name", normalizers.NaturalKey(name)))
		}
		assignments = append(assignments, ub.Assign(field, value))
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", id))
	query, args := ub.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"vendor_id": id}).Error("Failed to update vendor scalars")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update vendor")
	}
	return nil
}

// MergeAttributes folds new payload data into the vendor's attribute bag.
// Existing keys keep their values unless the new payload overwrites them.
func (r *Repository) MergeAttributes(ctx context.Context, id string, attrs map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "vendorentity.Repository.MergeAttributes")
	defer span.End()

	if len(attrs) == 0 {
		return nil
	}

	raw, err := json.Marshal(attrs)
	if err != nil {
		return httperror.WrapError(http.StatusInternalServerError, err)
	}

	query := `
		UPDATE vendors
		SET attributes = COALESCE(attributes, '{}'::jsonb) || $2::jsonb,
		    updated_at = $3
		WHERE id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, id, raw, time.Now().UTC()); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"vendor_id": id}).Error("Failed to merge vendor attributes")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update vendor")
	}
	return nil
}

// Archive marks a vendor absorbed. The record stays on file and default
// reads stop returning it. Archiving an already-absorbed vendor fails.
func (r *Repository) Archive(ctx context.Context, id, intoID, mergeEventID, mergedBy, reason string) error {
	ctx, span := tracing.StartSpan(ctx, "vendorentity.Repository.Archive")
	defer span.End()

	query := `
		UPDATE vendors
		SET merged_into_id = $2, merge_event_id = $3, merged_by = $4, merge_reason = NULLIF($5, ''), merged_at = $6, updated_at = $6
		WHERE id = $1 AND merged_into_id IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, id, intoID, mergeEventID, mergedBy, reason, time.Now().UTC())
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"vendor_id": id,
			"into_id":   intoID,
		}).Error("Failed to archive vendor")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to archive vendor")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to archive vendor")
	}
	if affected == 0 {
		return httperror.NewHTTPErrorf(http.StatusConflict, "vendor %s is already absorbed", id)
	}
	return nil
}

// RewireReferences repoints every child reference from an absorbed vendor to
// the survivor and returns the number of rows touched. Invoices and payments
// follow their projects and need no direct rewrite.
func (r *Repository) RewireReferences(ctx context.Context, fromID, toID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "vendorentity.Repository.RewireReferences")
	defer span.End()

	total := 0
	for _, table := range referenceTables {
		// table names come from the fixed contract above, never from input
		query := fmt.Sprintf(`UPDATE %s SET vendor_id = $1, updated_at = $2 WHERE vendor_id = $3`, table)
		result, err := r.db.ExecContext(ctx, query, toID, time.Now().UTC(), fromID)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"table":   table,
				"from_id": fromID,
				"to_id":   toID,
			}).Error("Failed to rewire vendor references")
			return total, httperror.NewHTTPError(http.StatusInternalServerError, "failed to rewire vendor references")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, httperror.NewHTTPError(http.StatusInternalServerError, "failed to rewire vendor references")
		}
		if affected > 0 {
			metrics.ReferencesRewiredTotal.WithLabelValues(table).Add(float64(affected))
		}
		total += int(affected)
	}

	return total, nil
}
