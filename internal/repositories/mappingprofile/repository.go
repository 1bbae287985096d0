package mappingprofile

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
	"github.com/Ramsey-B/fern/pkg/enginerr"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/layoutsig"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repository handles mapping profile persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new mapping profile repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetByID returns one profile version
func (r *Repository) GetByID(ctx context.Context, id string) (*models.MappingProfile, error) {
	ctx, span := tracing.StartSpan(ctx, "mappingprofile.Repository.GetByID")
	defer span.End()

	sb := mappingProfileStruct.SelectFrom(mappingProfileTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var row MappingProfileRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "mapping profile %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"profile_id": id}).Error("Failed to get mapping profile")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get mapping profile")
	}
	return row.ToMappingProfile(), nil
}

// GetHead returns the newest profile version for a layout, nil when the
// layout has never been mapped
func (r *Repository) GetHead(ctx context.Context, layoutKey string) (*models.MappingProfile, error) {
	ctx, span := tracing.StartSpan(ctx, "mappingprofile.Repository.GetHead")
	defer span.End()

	sb := mappingProfileStruct.SelectFrom(mappingProfileTable)
	sb.Where(
		sb.Equal("layout_key", layoutKey),
		sb.IsNull("superseded_at"),
	)
	sb.OrderBy("version DESC")
	sb.Limit(1)
	query, args := sb.Build()

	var row MappingProfileRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"layout_key": layoutKey}).Error("Failed to get mapping profile head")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get mapping profile")
	}
	return row.ToMappingProfile(), nil
}

// Upsert creates or revises the profile for a layout. Revisions are guarded
// by the caller's base version: editing on top of a stale version is a
// profile conflict, not a silent overwrite. Submitting content identical to
// the head is a no-op that returns the head.
func (r *Repository) Upsert(ctx context.Context, layoutKey string, req models.UpsertMappingProfileRequest, createdBy string) (*models.MappingProfile, error) {
	ctx, span := tracing.StartSpan(ctx, "mappingprofile.Repository.Upsert")
	defer span.End()

	headerSig, err := layoutsig.HeaderSignature(req.Headers)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.KindValidation, "invalid layout headers", err)
	}

	contentPayload := map[string]any{"field_map": req.FieldMap}
	if req.ParserOptions != nil {
		contentPayload["parser_options"] = req.ParserOptions
	}
	contentHash := fingerprint.Generate(contentPayload)

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	head, err := r.GetHead(ctx, layoutKey)
	if err != nil {
		return nil, err
	}

	if head != nil {
		if head.ContentHash == contentHash {
			return head, nil
		}
		if req.BaseVersion != head.Version {
			return nil, enginerr.Newf(enginerr.KindProfileConflict, "mapping profile for layout %s is at version %d, base version %d is stale", layoutKey, head.Version, req.BaseVersion).
				WithMeta("layout_key", layoutKey).
				WithMeta("head_version", head.Version).
				WithMeta("base_version", req.BaseVersion)
		}
	} else if req.BaseVersion != 0 {
		return nil, enginerr.Newf(enginerr.KindProfileConflict, "mapping profile for layout %s does not exist, base version must be 0", layoutKey).
			WithMeta("layout_key", layoutKey).
			WithMeta("base_version", req.BaseVersion)
	}

	profile := &models.MappingProfile{
		ID:              uuid.New().String(),
		LayoutKey:       layoutKey,
		FileFormat:      req.FileFormat,
		HeaderSignature: headerSig,
		Version:         1,
		FieldMap:        req.FieldMap,
		ContentHash:     contentHash,
		CreatedBy:       createdBy,
		CreatedAt:       time.Now().UTC(),
	}
	if head != nil {
		profile.Version = head.Version + 1
	}
	if req.ParserOptions != nil {
		if raw, err := json.Marshal(req.ParserOptions); err == nil {
			profile.ParserOptions = raw
		}
	}

	ib := mappingProfileStruct.InsertInto(mappingProfileTable, FromMappingProfile(profile))
	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"layout_key": layoutKey,
			"version":    profile.Version,
		}).Error("Failed to insert mapping profile version")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to save mapping profile")
	}

	if head != nil {
		ub := database.NewUpdateBuilder()
		ub.Update(mappingProfileTable)
		ub.Set(ub.Assign("superseded_at", time.Now().UTC()))
		ub.Where(ub.Equal("id", head.ID))
		query, args := ub.Build()
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"profile_id": head.ID}).Error("Failed to supersede mapping profile head")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to save mapping profile")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"layout_key": layoutKey,
		"profile_id": profile.ID,
		"version":    profile.Version,
	}).Info("Mapping profile version saved")

	return profile, nil
}
