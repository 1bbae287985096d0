// Package mergecenter previews and executes vendor merges. Preview is a pure
// read: it reports field conflicts and collection collisions without touching
// anything. Execute runs under a multi-key lock with snapshots taken before
// the first write, rewires child references to the survivor and archives the
// absorbed vendors in place.
package mergecenter

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/appcontext"
	"github.com/Ramsey-B/fern/pkg/areas"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/enginerr"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"

	"github.com/Ramsey-B/fern/internal/repositories/vendorentity"
)

// collisionAreas are the child areas checked for same-named records across
// merge members. Contracts, projects and the money trail below them follow
// their parent untouched.
var collisionAreas = []areas.Area{areas.Offering, areas.Contact}

// VendorStore is the vendor persistence the merge center needs.
type VendorStore interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]*models.Vendor, error)
	UpdateScalars(ctx context.Context, id string, fields map[string]any) error
	Archive(ctx context.Context, id, intoID, mergeEventID, mergedBy, reason string) error
	RewireReferences(ctx context.Context, fromID, toID string) (int, error)
}

// RecordStore is the child-area persistence the merge center needs.
type RecordStore interface {
	ListByParents(ctx context.Context, area areas.Area, parentIDs []string) ([]models.CatalogRecord, error)
	Fold(ctx context.Context, area areas.Area, id, mergeEventID string) error
}

// EventStore is the merge event persistence.
type EventStore interface {
	GetByID(ctx context.Context, id string) (*models.MergeEvent, error)
	CreateEvent(ctx context.Context, event *models.MergeEvent) error
	AddSnapshot(ctx context.Context, mergeID string, vendor *models.Vendor) (*models.MergeSnapshot, error)
	AddMember(ctx context.Context, mergeID, vendorID string, role models.MergeMemberRole, snapshotID string) error
	AddSurvivorshipDecision(ctx context.Context, d *models.SurvivorshipDecision) error
}

// AuditStore records the change trail.
type AuditStore interface {
	Record(ctx context.Context, change *models.EntityChange) error
}

// LockProvider serializes merges over a vendor set.
type LockProvider interface {
	AcquireSet(ctx context.Context, keys []string, ttl time.Duration) (*redis.LockSet, error)
}

// Engine is the vendor merge center.
type Engine struct {
	db      database.DB
	vendors VendorStore
	records RecordStore
	events  EventStore
	audit   AuditStore
	locker  LockProvider
	emitter *events.Emitter
	logger  ectologger.Logger
	lockTTL time.Duration
}

// NewEngine creates a merge center.
func NewEngine(db database.DB, vendors VendorStore, records RecordStore, evts EventStore, audit AuditStore, locker LockProvider, emitter *events.Emitter, logger ectologger.Logger, lockTTL time.Duration) *Engine {
	return &Engine{
		db:      db,
		vendors: vendors,
		records: records,
		events:  evts,
		audit:   audit,
		locker:  locker,
		emitter: emitter,
		logger:  logger,
		lockTTL: lockTTL,
	}
}

// Preview reports what a merge of the given vendors would have to resolve:
// scalar fields where the members disagree and same-named child records held
// by more than one member. Nothing is written.
func (e *Engine) Preview(ctx context.Context, req models.PreviewMergeRequest) (*models.MergePreview, error) {
	ctx, span := tracing.StartSpan(ctx, "mergecenter.Engine.Preview")
	defer span.End()

	vendors, err := e.loadMembers(ctx, req.VendorIDs)
	if err != nil {
		return nil, err
	}

	preview := &models.MergePreview{VendorIDs: req.VendorIDs}
	preview.Conflicts = fieldConflicts(req.VendorIDs, vendors)

	for _, area := range collisionAreas {
		collisions, err := e.collectionCollisions(ctx, area, req.VendorIDs)
		if err != nil {
			return nil, err
		}
		preview.Collisions = append(preview.Collisions, collisions...)
	}

	return preview, nil
}

// Execute runs the merge. The caller's EventID makes it idempotent: replaying
// an event that already ran is rejected rather than executed twice. The
// vendors are locked for the duration so two merges cannot race over shared
// members.
func (e *Engine) Execute(ctx context.Context, req models.ExecuteMergeRequest) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "mergecenter.Engine.Execute")
	defer span.End()

	started := time.Now()

	if !contains(req.VendorIDs, req.SurvivorID) {
		return nil, enginerr.Newf(enginerr.KindValidation, "survivor %s is not a merge member", req.SurvivorID)
	}

	existing, err := e.events.GetByID(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, enginerr.Newf(enginerr.KindAlreadyExecuted, "merge event %s was already executed", req.EventID).
			WithMeta("event_id", req.EventID).
			WithMeta("executed_at", existing.ExecutedAt)
	}

	locks, err := e.locker.AcquireSet(ctx, vendorLockKeys(req.VendorIDs), e.lockTTL)
	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			return nil, enginerr.Newf(enginerr.KindMergeInProgress, "another merge holds one of the vendors").
				WithMeta("vendor_ids", req.VendorIDs)
		}
		return nil, err
	}
	defer locks.Release(ctx)

	vendors, err := e.loadMembers(ctx, req.VendorIDs)
	if err != nil {
		metrics.RecordMerge("failed", time.Since(started).Seconds())
		return nil, err
	}

	if err := e.checkDecided(ctx, req, vendors); err != nil {
		metrics.RecordMerge("failed", time.Since(started).Seconds())
		return nil, err
	}

	result, err := e.execute(ctx, req, vendors)
	if err != nil {
		metrics.RecordMerge("failed", time.Since(started).Seconds())
		return nil, err
	}
	metrics.RecordMerge("executed", time.Since(started).Seconds())

	if e.emitter != nil {
		e.emitter.EmitVendorMerged(ctx, result)
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"event_id": req.EventID,
		"survivor": result.SurvivorVendorID,
		"absorbed": result.AbsorbedVendorIDs,
		"rewired":  result.RewiredReferences,
		"folded":   result.FoldedRecords,
	}).Info("Vendor merge executed")

	return result, nil
}

func (e *Engine) execute(ctx context.Context, req models.ExecuteMergeRequest, vendors map[string]*models.Vendor) (*models.MergeResult, error) {
	ctx, tx, err := e.db.GetTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	actor := appcontext.GetActorID(ctx)
	method := req.Method
	if method == "" {
		method = models.MergeMethodManual
	}
	event := &models.MergeEvent{
		ID:               req.EventID,
		SurvivorVendorID: req.SurvivorID,
		Status:           models.MergeEventStatusExecuted,
		Method:           method,
		Confidence:       req.Confidence,
		ExecutedBy:       actor,
	}
	if req.Reason != "" {
		event.Reason = &req.Reason
	}
	if err := e.events.CreateEvent(ctx, event); err != nil {
		return nil, err
	}

	// every member is snapshotted before the first mutating statement
	for _, id := range req.VendorIDs {
		vendor := vendors[id]
		snap, err := e.events.AddSnapshot(ctx, event.ID, vendor)
		if err != nil {
			return nil, err
		}
		role := models.MergeMemberRoleAbsorbed
		if id == req.SurvivorID {
			role = models.MergeMemberRoleSurvivor
		}
		if err := e.events.AddMember(ctx, event.ID, id, role, snap.ID); err != nil {
			return nil, err
		}
	}

	if err := e.applyFieldDecisions(ctx, event.ID, req, vendors, actor); err != nil {
		return nil, err
	}

	folded, err := e.applyCollisionDecisions(ctx, event.ID, req)
	if err != nil {
		return nil, err
	}

	result := &models.MergeResult{
		Event:            *event,
		SurvivorVendorID: req.SurvivorID,
		FoldedRecords:    folded,
	}

	for _, id := range req.VendorIDs {
		if id == req.SurvivorID {
			continue
		}

		rewired, err := e.vendors.RewireReferences(ctx, id, req.SurvivorID)
		if err != nil {
			return nil, err
		}
		result.RewiredReferences += rewired

		if err := e.vendors.Archive(ctx, id, req.SurvivorID, event.ID, actor, req.Reason); err != nil {
			return nil, err
		}
		result.AbsorbedVendorIDs = append(result.AbsorbedVendorIDs, id)

		if err := e.recordChange(ctx, event.ID, id, models.EntityChangeActionArchive, vendors[id], map[string]any{
			"merged_into_id": req.SurvivorID,
		}, actor); err != nil {
			return nil, err
		}
	}

	if err := e.recordChange(ctx, event.ID, req.SurvivorID, models.EntityChangeActionMerge, vendors[req.SurvivorID], map[string]any{
		"absorbed_vendor_ids": result.AbsorbedVendorIDs,
		"rewired_references":  result.RewiredReferences,
		"folded_records":      result.FoldedRecords,
	}, actor); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// checkDecided recomputes the preview against the current state and requires
// an explicit decision for every field conflict and collection collision. A
// merge with anything left undecided is rejected before a lock-held write.
func (e *Engine) checkDecided(ctx context.Context, req models.ExecuteMergeRequest, vendors map[string]*models.Vendor) error {
	decidedFields := map[string]bool{}
	for _, d := range req.FieldDecisions {
		decidedFields[d.Field] = true
	}
	var undecided []string
	for _, conflict := range fieldConflicts(req.VendorIDs, vendors) {
		if !decidedFields[conflict.Field] {
			undecided = append(undecided, "field "+conflict.Field)
		}
	}

	decidedCollisions := map[string]bool{}
	for _, d := range req.CollisionDecisions {
		decidedCollisions[d.Area+"/"+d.NormalizedName] = true
	}
	for _, area := range collisionAreas {
		collisions, err := e.collectionCollisions(ctx, area, req.VendorIDs)
		if err != nil {
			return err
		}
		for _, c := range collisions {
			if !decidedCollisions[c.Area+"/"+c.NormalizedName] {
				undecided = append(undecided, "collision "+c.Area+"/"+c.NormalizedName)
			}
		}
	}

	if len(undecided) == 0 {
		return nil
	}
	return enginerr.Newf(enginerr.KindValidation, "merge has undecided conflicts: %s", strings.Join(undecided, ", ")).
		WithMeta("undecided", undecided)
}

func (e *Engine) applyFieldDecisions(ctx context.Context, eventID string, req models.ExecuteMergeRequest, vendors map[string]*models.Vendor, actor string) error {
	if len(req.FieldDecisions) == 0 {
		return nil
	}

	scalars := map[string]any{}
	for _, d := range req.FieldDecisions {
		if !vendorentity.IsScalarField(d.Field) {
			return enginerr.Newf(enginerr.KindValidation, "field %q is not a governed vendor field", d.Field)
		}
		chosen, ok := vendors[d.VendorID]
		if !ok {
			return enginerr.Newf(enginerr.KindValidation, "field decision for %q names non-member vendor %s", d.Field, d.VendorID)
		}

		value := vendorentity.ScalarValue(chosen, d.Field)
		scalars[d.Field] = value

		decision := &models.SurvivorshipDecision{
			MergeID:        eventID,
			Field:          d.Field,
			ChosenVendorID: d.VendorID,
			Rule:           "manual",
			DecidedBy:      actor,
		}
		if raw, err := json.Marshal(value); err == nil {
			decision.ChosenValue = raw
		}
		if err := e.events.AddSurvivorshipDecision(ctx, decision); err != nil {
			return err
		}
	}

	return e.vendors.UpdateScalars(ctx, req.SurvivorID, scalars)
}

func (e *Engine) applyCollisionDecisions(ctx context.Context, eventID string, req models.ExecuteMergeRequest) (int, error) {
	folded := 0
	for _, d := range req.CollisionDecisions {
		if d.Action != "fold" {
			continue
		}
		area, err := areas.Parse(d.Area)
		if err != nil {
			return 0, enginerr.Wrap(enginerr.KindValidation, "collision decision names unknown area", err)
		}
		if d.KeepEntityID == "" {
			return 0, enginerr.Newf(enginerr.KindValidation, "fold decision for %s %q names no record to keep", d.Area, d.NormalizedName)
		}

		recs, err := e.records.ListByParents(ctx, area, req.VendorIDs)
		if err != nil {
			return 0, err
		}
		kept := false
		for i := range recs {
			if recs[i].NormalizedName != d.NormalizedName {
				continue
			}
			if recs[i].ID == d.KeepEntityID {
				kept = true
				continue
			}
			if err := e.records.Fold(ctx, area, recs[i].ID, eventID); err != nil {
				return 0, err
			}
			folded++
		}
		if !kept {
			return 0, enginerr.Newf(enginerr.KindValidation, "fold decision for %s %q keeps a record that is not in the collision", d.Area, d.NormalizedName).
				WithMeta("keep_entity_id", d.KeepEntityID)
		}
	}
	return folded, nil
}

// loadMembers fetches the merge members and rejects sets that reference a
// missing or already absorbed vendor.
func (e *Engine) loadMembers(ctx context.Context, ids []string) (map[string]*models.Vendor, error) {
	vendors, err := e.vendors.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		vendor, ok := vendors[id]
		if !ok {
			return nil, enginerr.Newf(enginerr.KindValidation, "vendor %s does not exist", id).WithMeta("vendor_id", id)
		}
		if vendor.IsMerged() {
			return nil, enginerr.Newf(enginerr.KindStaleJobState, "vendor %s was already absorbed into %s", id, *vendor.MergedIntoID).
				WithMeta("vendor_id", id).
				WithMeta("merged_into_id", *vendor.MergedIntoID)
		}
	}
	return vendors, nil
}

func (e *Engine) collectionCollisions(ctx context.Context, area areas.Area, vendorIDs []string) ([]models.CollectionCollision, error) {
	recs, err := e.records.ListByParents(ctx, area, vendorIDs)
	if err != nil {
		return nil, err
	}

	groups := map[string][]models.CollisionItem{}
	for i := range recs {
		groups[recs[i].NormalizedName] = append(groups[recs[i].NormalizedName], models.CollisionItem{
			VendorID: recs[i].ParentID,
			EntityID: recs[i].ID,
			Name:     recs[i].Name,
		})
	}

	var out []models.CollectionCollision
	for key, items := range groups {
		if !spansMembers(items) {
			continue
		}
		out = append(out, models.CollectionCollision{
			Area:           string(area),
			NormalizedName: key,
			Items:          items,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NormalizedName < out[j].NormalizedName })
	return out, nil
}

func (e *Engine) recordChange(ctx context.Context, eventID, vendorID string, action models.EntityChangeAction, before *models.Vendor, after map[string]any, actor string) error {
	change := &models.EntityChange{
		Area:         string(areas.Vendor),
		EntityID:     vendorID,
		Action:       action,
		MergeEventID: &eventID,
		PerformedBy:  actor,
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

// fieldConflicts reports the governed scalar fields where members carry
// different non-empty values.
func fieldConflicts(ids []string, vendors map[string]*models.Vendor) []models.FieldConflict {
	var out []models.FieldConflict
	for _, field := range vendorentity.ScalarFields {
		var values []models.FieldConflictValue
		distinct := map[string]bool{}
		for _, id := range ids {
			value := vendorentity.ScalarValue(vendors[id], field)
			s, _ := value.(string)
			if s == "" {
				continue
			}
			values = append(values, models.FieldConflictValue{VendorID: id, Value: s})
			distinct[s] = true
		}
		if len(distinct) > 1 {
			out = append(out, models.FieldConflict{Field: field, Values: values})
		}
	}
	return out
}

// spansMembers reports whether a collision group involves more than one
// parent vendor. Duplicates under a single member are that vendor's own
// problem, not a merge collision.
func spansMembers(items []models.CollisionItem) bool {
	if len(items) < 2 {
		return false
	}
	first := items[0].VendorID
	for _, item := range items[1:] {
		if item.VendorID != first {
			return true
		}
	}
	return false
}

func vendorLockKeys(ids []string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = "vendor:" + id
	}
	return keys
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
