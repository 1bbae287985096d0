// Package apply executes resolved decisions against the canonical catalog.
// Rows are applied per-area in dependency order so parents exist before
// their children, each row in its own transaction so one bad row cannot take
// down the run, and a crashed run resumes from the rows not yet applied.
package apply

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/appcontext"
	"github.com/Ramsey-B/fern/pkg/areas"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/enginerr"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"

	"github.com/Ramsey-B/fern/internal/repositories/vendorentity"
)

// JobStore is the import job persistence the executor needs.
type JobStore interface {
	GetByID(ctx context.Context, id string) (*models.ImportJob, error)
	TransitionStatus(ctx context.Context, id string, from, to models.ImportJobStatus) error
	AddCounters(ctx context.Context, id string, result models.ApplyResult) error
	Complete(ctx context.Context, id string, status models.ImportJobStatus) error
}

// RowStore is the stage row persistence the executor needs.
type RowStore interface {
	ListByJob(ctx context.Context, jobID string) ([]models.StageRow, error)
	ListUnapplied(ctx context.Context, jobID string) ([]models.StageRow, error)
	MarkApplied(ctx context.Context, id string, entityID *string) error
	MarkApplyError(ctx context.Context, id string, applyErr string) error
}

// Gate blocks the run while governance review is outstanding.
type Gate interface {
	Gate(ctx context.Context, jobID string) error
}

// VendorStore is the canonical vendor persistence the executor needs.
type VendorStore interface {
	Create(ctx context.Context, vendor *models.Vendor) error
	GetByID(ctx context.Context, id string) (*models.Vendor, error)
	FindByNaturalKey(ctx context.Context, normalizedName string) ([]models.Vendor, error)
	ResolveCanonical(ctx context.Context, id string) (*models.Vendor, error)
	UpdateScalars(ctx context.Context, id string, fields map[string]any) error
	MergeAttributes(ctx context.Context, id string, attrs map[string]any) error
}

// RecordStore is the child-area persistence the executor needs.
type RecordStore interface {
	Create(ctx context.Context, area areas.Area, rec *models.CatalogRecord) error
	FindByNaturalKey(ctx context.Context, area areas.Area, parentID, normalizedName string) ([]models.CatalogRecord, error)
	FindByNaturalKeyGlobal(ctx context.Context, area areas.Area, normalizedName string) ([]models.CatalogRecord, error)
	MergeData(ctx context.Context, area areas.Area, id string, data map[string]any) error
}

// AuditStore records the change trail.
type AuditStore interface {
	Record(ctx context.Context, change *models.EntityChange) error
}

// Engine is the apply executor.
type Engine struct {
	db           database.DB
	jobs         JobStore
	rows         RowStore
	gate         Gate
	vendors      VendorStore
	records      RecordStore
	audit        AuditStore
	emitter      *events.Emitter
	logger       ectologger.Logger
	maxRowErrors int
}

// NewEngine creates an apply executor. maxRowErrors caps per-row failures
// before the run aborts; zero means no cap.
func NewEngine(db database.DB, jobs JobStore, rows RowStore, gate Gate, vendors VendorStore, records RecordStore, audit AuditStore, emitter *events.Emitter, logger ectologger.Logger, maxRowErrors int) *Engine {
	return &Engine{
		db:           db,
		jobs:         jobs,
		rows:         rows,
		gate:         gate,
		vendors:      vendors,
		records:      records,
		audit:        audit,
		emitter:      emitter,
		logger:       logger,
		maxRowErrors: maxRowErrors,
	}
}

// Apply runs every remaining decided row of the job. A fresh run takes the
// job from staged to applying; re-invoking a job in applying or failed
// resumes with the rows that never landed. Governance must be clear before
// anything is written.
func (e *Engine) Apply(ctx context.Context, jobID string) (*models.ApplyResult, error) {
	ctx, span := tracing.StartSpan(ctx, "apply.Engine.Apply")
	defer span.End()

	started := time.Now()

	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case models.ImportJobStatusStaged:
		if err := e.jobs.TransitionStatus(ctx, jobID, models.ImportJobStatusStaged, models.ImportJobStatusApplying); err != nil {
			return nil, err
		}
	case models.ImportJobStatusApplying:
		// resuming an interrupted run
	case models.ImportJobStatusFailed:
		// retrying rows that failed on an earlier run
		if err := e.jobs.TransitionStatus(ctx, jobID, models.ImportJobStatusFailed, models.ImportJobStatusApplying); err != nil {
			return nil, err
		}
	default:
		return nil, enginerr.Newf(enginerr.KindStaleJobState, "import job %s cannot be applied in status %s", jobID, job.Status).
			WithMeta("job_id", jobID).
			WithMeta("status", string(job.Status))
	}

	if err := e.gate.Gate(ctx, jobID); err != nil {
		return nil, err
	}

	allRows, err := e.rows.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	pending, err := e.rows.ListUnapplied(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// parents before children, then source order
	sort.SliceStable(pending, func(i, j int) bool {
		ri, rj := areas.Rank(areas.Area(pending[i].Area)), areas.Rank(areas.Area(pending[j].Area))
		if ri != rj {
			return ri < rj
		}
		return pending[i].RowIndex < pending[j].RowIndex
	})

	// entity ids produced earlier, by row index, so in-job merge targets and
	// rows applied on a previous run both resolve
	produced := map[int]string{}
	for i := range allRows {
		if allRows[i].AppliedEntityID != nil {
			produced[allRows[i].RowIndex] = *allRows[i].AppliedEntityID
		}
	}

	result := &models.ApplyResult{}
	aborted := false

	for i := range pending {
		row := &pending[i]

		entityID, outcome, rowErr := e.applyRow(ctx, job, row, produced)
		if rowErr != nil {
			result.Failed++
			metrics.RecordApplyRow(row.Area, "failed")
			if err := e.rows.MarkApplyError(ctx, row.ID, rowErr.Error()); err != nil {
				return nil, err
			}
			e.logger.WithContext(ctx).WithError(rowErr).WithFields(map[string]any{
				"job_id":    jobID,
				"row_index": row.RowIndex,
				"area":      row.Area,
			}).Warn("Stage row failed to apply")

			if e.maxRowErrors > 0 && result.Failed >= e.maxRowErrors {
				aborted = true
				break
			}
			continue
		}

		if entityID != nil {
			produced[row.RowIndex] = *entityID
		}
		switch outcome {
		case models.DecisionActionCreate:
			result.Created++
		case models.DecisionActionMerge:
			result.Merged++
		case models.DecisionActionSkip:
			result.Skipped++
		}
		metrics.RecordApplyRow(row.Area, string(outcome))
	}

	if err := e.jobs.AddCounters(ctx, jobID, *result); err != nil {
		return nil, err
	}

	if aborted {
		// job stays in applying so the remaining rows can be retried
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"job_id": jobID,
			"failed": result.Failed,
		}).Error("Apply run aborted after too many row failures")
		metrics.ApplyDuration.Observe(time.Since(started).Seconds())
		return result, enginerr.Newf(enginerr.KindIntegrity, "apply aborted for job %s after %d row failures", jobID, result.Failed).
			WithMeta("job_id", jobID).
			WithMeta("failed", result.Failed)
	}

	// failed rows stay unapplied, so a failed job can be re-applied once the
	// underlying data is corrected
	final := models.ImportJobStatusApplied
	if result.Failed > 0 {
		final = models.ImportJobStatusFailed
	}
	if err := e.jobs.Complete(ctx, jobID, final); err != nil {
		return nil, err
	}

	if e.emitter != nil {
		job.Status = final
		e.emitter.EmitJobStatusChanged(ctx, job)
	}
	metrics.ApplyDuration.Observe(time.Since(started).Seconds())

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":  jobID,
		"created": result.Created,
		"merged":  result.Merged,
		"skipped": result.Skipped,
		"failed":  result.Failed,
	}).Info("Apply run finished")

	return result, nil
}

// applyRow executes one row inside its own transaction.
func (e *Engine) applyRow(ctx context.Context, job *models.ImportJob, row *models.StageRow, produced map[int]string) (*string, models.DecisionAction, error) {
	ctx, span := tracing.StartSpan(ctx, "apply.Engine.applyRow")
	defer span.End()

	if row.Status == models.StageRowStatusBlocked {
		return nil, "", enginerr.Newf(enginerr.KindValidation, "row %d is blocked: %v", row.RowIndex, row.Issues)
	}
	if !row.IsDecided() {
		return nil, "", enginerr.Newf(enginerr.KindValidation, "row %d has no decision", row.RowIndex)
	}

	if row.DecisionAction == models.DecisionActionSkip {
		if err := e.rows.MarkApplied(ctx, row.ID, nil); err != nil {
			return nil, "", err
		}
		return nil, models.DecisionActionSkip, nil
	}

	ctx, tx, err := e.db.GetTx(ctx, nil)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback(ctx)

	var entityID string
	switch row.DecisionAction {
	case models.DecisionActionCreate:
		entityID, err = e.createEntity(ctx, job, row)
	case models.DecisionActionMerge:
		entityID, err = e.mergeEntity(ctx, job, row, produced)
	default:
		err = enginerr.Newf(enginerr.KindValidation, "row %d has unsupported action %q", row.RowIndex, row.DecisionAction)
	}
	if err != nil {
		return nil, "", err
	}

	if err := e.rows.MarkApplied(ctx, row.ID, &entityID); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", err
	}

	if e.emitter != nil {
		e.emitter.EmitEntityApplied(ctx, row.Area, entityID, job.ID, row.DecisionAction)
	}
	return &entityID, row.DecisionAction, nil
}

func (e *Engine) createEntity(ctx context.Context, job *models.ImportJob, row *models.StageRow) (string, error) {
	area := areas.Area(row.Area)
	mapped := mappedFields(row)

	if area == areas.Vendor {
		vendor := buildVendor(job, row, mapped)
		if err := e.vendors.Create(ctx, vendor); err != nil {
			return "", err
		}
		if err := e.recordChange(ctx, job, row, vendor.ID, models.EntityChangeActionCreate, nil, vendor); err != nil {
			return "", err
		}
		return vendor.ID, nil
	}

	parentID, err := e.resolveParent(ctx, area, row)
	if err != nil {
		return "", err
	}

	rec := &models.CatalogRecord{
		ID:             uuid.New().String(),
		Area:           row.Area,
		ParentID:       parentID,
		Name:           stringField(mapped, "name"),
		NormalizedName: row.NaturalKey,
		SourceJobID:    &job.ID,
	}
	if raw, err := json.Marshal(childDataFields(mapped)); err == nil {
		rec.Data = raw
	}
	if err := e.records.Create(ctx, area, rec); err != nil {
		return "", err
	}
	if err := e.recordChange(ctx, job, row, rec.ID, models.EntityChangeActionCreate, nil, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (e *Engine) mergeEntity(ctx context.Context, job *models.ImportJob, row *models.StageRow, produced map[int]string) (string, error) {
	area := areas.Area(row.Area)
	mapped := mappedFields(row)

	targetID, err := e.resolveMergeTarget(ctx, row, produced)
	if err != nil {
		return "", err
	}

	if area == areas.Vendor {
		// the decision may predate a merge of the target; land on the survivor
		target, err := e.vendors.ResolveCanonical(ctx, targetID)
		if err != nil {
			return "", err
		}

		before := *target
		scalars := map[string]any{}
		for _, field := range vendorentity.ScalarFields {
			if v := stringField(mapped, field); v != "" {
				scalars[field] = v
			}
		}
		if err := e.vendors.UpdateScalars(ctx, target.ID, scalars); err != nil {
			return "", err
		}
		if err := e.vendors.MergeAttributes(ctx, target.ID, extraFields(mapped)); err != nil {
			return "", err
		}
		if err := e.recordChange(ctx, job, row, target.ID, models.EntityChangeActionMerge, &before, mapped); err != nil {
			return "", err
		}
		return target.ID, nil
	}

	if err := e.records.MergeData(ctx, area, targetID, childDataFields(mapped)); err != nil {
		return "", err
	}
	if err := e.recordChange(ctx, job, row, targetID, models.EntityChangeActionMerge, nil, mapped); err != nil {
		return "", err
	}
	return targetID, nil
}

// resolveMergeTarget finds the entity a merge row folds into: either the
// catalog record the resolver matched, or whatever an earlier row of the
// same job produced for the shared natural key.
func (e *Engine) resolveMergeTarget(ctx context.Context, row *models.StageRow, produced map[int]string) (string, error) {
	if row.DecisionTargetID != nil {
		return *row.DecisionTargetID, nil
	}

	var detail models.DecisionDetailPayload
	if len(row.DecisionDetail) > 0 {
		if err := json.Unmarshal(row.DecisionDetail, &detail); err != nil {
			return "", err
		}
	}
	if detail.SameJobRowIndex == nil {
		return "", enginerr.Newf(enginerr.KindValidation, "merge row %d has no target", row.RowIndex)
	}

	target, ok := produced[*detail.SameJobRowIndex]
	if !ok {
		return "", enginerr.Newf(enginerr.KindValidation, "merge row %d targets row %d which produced no entity", row.RowIndex, *detail.SameJobRowIndex)
	}
	return target, nil
}

// resolveParent re-resolves the child's parent at apply time; the parent may
// have been created moments ago by an earlier row of this run.
func (e *Engine) resolveParent(ctx context.Context, area areas.Area, row *models.StageRow) (string, error) {
	parentArea, _ := areas.Parent(area)
	mapped := mappedFields(row)

	parentName := stringField(mapped, "parent_name")
	if parentName == "" {
		return "", enginerr.Newf(enginerr.KindValidation, "row %d has no parent reference", row.RowIndex)
	}
	parentKey := normalizers.NaturalKey(parentName)

	if parentArea == areas.Vendor {
		matches, err := e.vendors.FindByNaturalKey(ctx, parentKey)
		if err != nil {
			return "", err
		}
		if len(matches) == 0 {
			return "", enginerr.Newf(enginerr.KindValidation, "row %d parent vendor %q does not exist", row.RowIndex, parentName)
		}
		return matches[0].ID, nil
	}

	matches, err := e.records.FindByNaturalKeyGlobal(ctx, parentArea, parentKey)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", enginerr.Newf(enginerr.KindValidation, "row %d parent %s %q does not exist", row.RowIndex, parentArea, parentName)
	}
	return matches[0].ID, nil
}

func (e *Engine) recordChange(ctx context.Context, job *models.ImportJob, row *models.StageRow, entityID string, action models.EntityChangeAction, before, after any) error {
	change := &models.EntityChange{
		Area:        row.Area,
		EntityID:    entityID,
		Action:      action,
		JobID:       &job.ID,
		RowIndex:    &row.RowIndex,
		PerformedBy: appcontext.GetActorID(ctx),
	}
	if before != nil {
		if raw, err := json.Marshal(before); err == nil {
			change.Before = raw
		}
	}
	if after != nil {
		if raw, err := json.Marshal(after); err == nil {
			change.After = raw
		}
	}
	return e.audit.Record(ctx, change)
}

func buildVendor(job *models.ImportJob, row *models.StageRow, mapped map[string]any) *models.Vendor {
	vendor := &models.Vendor{
		ID:             uuid.New().String(),
		Name:           stringField(mapped, "name"),
		NormalizedName: row.NaturalKey,
		SourceJobID:    &job.ID,
	}
	if v := stringField(mapped, "legal_name"); v != "" {
		vendor.LegalName = &v
	}
	if v := stringField(mapped, "website"); v != "" {
		vendor.Website = &v
	}
	if v := stringField(mapped, "category"); v != "" {
		vendor.Category = &v
	}
	if v := stringField(mapped, "risk_tier"); v != "" {
		vendor.RiskTier = &v
	}
	if v := stringField(mapped, "status"); v != "" {
		vendor.Status = &v
	}
	if raw, err := json.Marshal(extraFields(mapped)); err == nil {
		vendor.Attributes = raw
	}
	return vendor
}

func mappedFields(row *models.StageRow) map[string]any {
	var mapped map[string]any
	if len(row.Mapped) > 0 {
		_ = json.Unmarshal(row.Mapped, &mapped)
	}
	if mapped == nil {
		mapped = map[string]any{}
	}
	return mapped
}

func stringField(mapped map[string]any, key string) string {
	v, _ := mapped[key].(string)
	return v
}

// extraFields returns the mapped payload minus the governed scalar columns;
// it lands in the vendor's attribute bag so nothing from the source file is
// dropped.
func extraFields(mapped map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range mapped {
		if k == "parent_name" || vendorentity.IsScalarField(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// childDataFields is the same for child areas, where only the name and the
// parent reference are structural.
func childDataFields(mapped map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range mapped {
		if k == "parent_name" || k == "name" {
			continue
		}
		out[k] = v
	}
	return out
}
