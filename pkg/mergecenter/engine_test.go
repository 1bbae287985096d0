package mergecenter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/areas"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/enginerr"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
)

type fakeTx struct {
	commits   *int
	rollbacks *int
}

func (t fakeTx) Commit(_ context.Context) error   { *t.commits++; return nil }
func (t fakeTx) Rollback(_ context.Context) error { *t.rollbacks++; return nil }
func (t fakeTx) IsOpen() bool                     { return true }

type fakeDB struct {
	commits   int
	rollbacks int
}

func (f *fakeDB) GetContext(_ context.Context, _ any, _ string, _ ...any) error    { return nil }
func (f *fakeDB) SelectContext(_ context.Context, _ any, _ string, _ ...any) error { return nil }
func (f *fakeDB) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	return nil, nil
}
func (f *fakeDB) NamedExecContext(_ context.Context, _ string, _ any) (sql.Result, error) {
	return nil, nil
}
func (f *fakeDB) QueryxContext(_ context.Context, _ string, _ ...any) (*sqlx.Rows, error) {
	return nil, nil
}
func (f *fakeDB) PingContext(_ context.Context) error { return nil }
func (f *fakeDB) Close() error                        { return nil }
func (f *fakeDB) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, fakeTx{commits: &f.commits, rollbacks: &f.rollbacks}, nil
}

type fakeVendors struct {
	byID     map[string]*models.Vendor
	scalars  map[string]map[string]any
	archived map[string]string // absorbed id -> survivor id
	rewired  map[string]string
	perRef   int
}

func (f *fakeVendors) GetByIDs(_ context.Context, ids []string) (map[string]*models.Vendor, error) {
	out := map[string]*models.Vendor{}
	for _, id := range ids {
		if vendor, ok := f.byID[id]; ok {
			out[id] = vendor
		}
	}
	return out, nil
}

func (f *fakeVendors) UpdateScalars(_ context.Context, id string, fields map[string]any) error {
	if f.scalars == nil {
		f.scalars = map[string]map[string]any{}
	}
	f.scalars[id] = fields
	return nil
}

func (f *fakeVendors) Archive(_ context.Context, id, intoID, mergeEventID, mergedBy, reason string) error {
	vendor := f.byID[id]
	if vendor.MergedIntoID != nil {
		return enginerr.Newf(enginerr.KindStaleJobState, "vendor %s already absorbed", id)
	}
	vendor.MergedIntoID = &intoID
	vendor.MergeEventID = &mergeEventID
	vendor.MergedBy = &mergedBy
	if reason != "" {
		vendor.MergeReason = &reason
	}
	if f.archived == nil {
		f.archived = map[string]string{}
	}
	f.archived[id] = intoID
	return nil
}

func (f *fakeVendors) RewireReferences(_ context.Context, fromID, toID string) (int, error) {
	if f.rewired == nil {
		f.rewired = map[string]string{}
	}
	f.rewired[fromID] = toID
	return f.perRef, nil
}

type fakeRecords struct {
	records []models.CatalogRecord
	folded  []string
}

func (f *fakeRecords) ListByParents(_ context.Context, area areas.Area, parentIDs []string) ([]models.CatalogRecord, error) {
	var out []models.CatalogRecord
	for _, rec := range f.records {
		if rec.Area != string(area) {
			continue
		}
		for _, id := range parentIDs {
			if rec.ParentID == id {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeRecords) Fold(_ context.Context, _ areas.Area, id, _ string) error {
	f.folded = append(f.folded, id)
	return nil
}

type fakeEvents struct {
	events    map[string]*models.MergeEvent
	snapshots []models.MergeSnapshot
	members   []models.MergeMember
	decisions []models.SurvivorshipDecision
}

func (f *fakeEvents) GetByID(_ context.Context, id string) (*models.MergeEvent, error) {
	return f.events[id], nil
}

func (f *fakeEvents) CreateEvent(_ context.Context, event *models.MergeEvent) error {
	if f.events == nil {
		f.events = map[string]*models.MergeEvent{}
	}
	f.events[event.ID] = event
	return nil
}

func (f *fakeEvents) AddSnapshot(_ context.Context, mergeID string, vendor *models.Vendor) (*models.MergeSnapshot, error) {
	state, err := json.Marshal(vendor)
	if err != nil {
		return nil, err
	}
	snap := models.MergeSnapshot{
		ID:       fmt.Sprintf("snapshot-%d", len(f.snapshots)+1),
		MergeID:  mergeID,
		VendorID: vendor.ID,
		State:    state,
	}
	f.snapshots = append(f.snapshots, snap)
	return &snap, nil
}

func (f *fakeEvents) AddMember(_ context.Context, mergeID, vendorID string, role models.MergeMemberRole, snapshotID string) error {
	f.members = append(f.members, models.MergeMember{
		MergeID:    mergeID,
		VendorID:   vendorID,
		Role:       role,
		SnapshotID: snapshotID,
	})
	return nil
}

func (f *fakeEvents) AddSurvivorshipDecision(_ context.Context, d *models.SurvivorshipDecision) error {
	f.decisions = append(f.decisions, *d)
	return nil
}

type fakeAudit struct {
	changes []models.EntityChange
}

func (f *fakeAudit) Record(_ context.Context, change *models.EntityChange) error {
	f.changes = append(f.changes, *change)
	return nil
}

type fakeLocker struct {
	err      error
	acquired [][]string
	released int
}

func (f *fakeLocker) AcquireSet(_ context.Context, keys []string, _ time.Duration) (*redis.LockSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.acquired = append(f.acquired, keys)
	return &redis.LockSet{}, nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func str(s string) *string { return &s }

func twoVendors() *fakeVendors {
	return &fakeVendors{byID: map[string]*models.Vendor{
		"vendor-a": {ID: "vendor-a", Name: "Acme Inc", NormalizedName: "acme inc", Website: str("acme.example"), RiskTier: str("high")},
		"vendor-b": {ID: "vendor-b", Name: "ACME Incorporated", NormalizedName: "acme incorporated", Website: str("acme.example"), RiskTier: str("low")},
	}}
}

func newTestEngine(vendors *fakeVendors, records *fakeRecords, evts *fakeEvents, audit *fakeAudit, locker *fakeLocker) (*Engine, *fakeDB) {
	db := &fakeDB{}
	return NewEngine(db, vendors, records, evts, audit, locker, nil, testLogger(), time.Minute), db
}

const eventID = "5f0c8f0e-1111-4222-8333-444455556666"

func executeReq() models.ExecuteMergeRequest {
	// twoVendors disagree on name and risk_tier, and execute refuses to run
	// while any conflict is undecided
	return models.ExecuteMergeRequest{
		EventID:    eventID,
		VendorIDs:  []string{"vendor-a", "vendor-b"},
		SurvivorID: "vendor-a",
		Reason:     "duplicate registration",
		FieldDecisions: []models.FieldDecisionInput{
			{Field: "name", VendorID: "vendor-a"},
			{Field: "risk_tier", VendorID: "vendor-b"},
		},
	}
}

func TestPreview(t *testing.T) {
	t.Run("reports conflicting fields and agreeing ones stay quiet", func(t *testing.T) {
		engine, db := newTestEngine(twoVendors(), &fakeRecords{}, &fakeEvents{}, &fakeAudit{}, &fakeLocker{})

		preview, err := engine.Preview(context.Background(), models.PreviewMergeRequest{
			VendorIDs: []string{"vendor-a", "vendor-b"},
		})
		require.NoError(t, err)

		fields := make([]string, len(preview.Conflicts))
		for i, c := range preview.Conflicts {
			fields[i] = c.Field
		}
		assert.Contains(t, fields, "name")
		assert.Contains(t, fields, "risk_tier")
		assert.NotContains(t, fields, "website") // identical on both
		assert.Equal(t, 0, db.commits)
	})

	t.Run("same-named children across members collide", func(t *testing.T) {
		records := &fakeRecords{records: []models.CatalogRecord{
			{ID: "off-1", Area: "offering", ParentID: "vendor-a", Name: "Support", NormalizedName: "support"},
			{ID: "off-2", Area: "offering", ParentID: "vendor-b", Name: "SUPPORT", NormalizedName: "support"},
			{ID: "off-3", Area: "offering", ParentID: "vendor-a", Name: "Consulting", NormalizedName: "consulting"},
		}}
		engine, _ := newTestEngine(twoVendors(), records, &fakeEvents{}, &fakeAudit{}, &fakeLocker{})

		preview, err := engine.Preview(context.Background(), models.PreviewMergeRequest{
			VendorIDs: []string{"vendor-a", "vendor-b"},
		})
		require.NoError(t, err)

		require.Len(t, preview.Collisions, 1)
		assert.Equal(t, "support", preview.Collisions[0].NormalizedName)
		assert.Len(t, preview.Collisions[0].Items, 2)
	})

	t.Run("absorbed member is rejected", func(t *testing.T) {
		vendors := twoVendors()
		vendors.byID["vendor-b"].MergedIntoID = str("vendor-z")
		engine, _ := newTestEngine(vendors, &fakeRecords{}, &fakeEvents{}, &fakeAudit{}, &fakeLocker{})

		_, err := engine.Preview(context.Background(), models.PreviewMergeRequest{
			VendorIDs: []string{"vendor-a", "vendor-b"},
		})
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindStaleJobState))
	})

	t.Run("unknown member is rejected", func(t *testing.T) {
		engine, _ := newTestEngine(twoVendors(), &fakeRecords{}, &fakeEvents{}, &fakeAudit{}, &fakeLocker{})

		_, err := engine.Preview(context.Background(), models.PreviewMergeRequest{
			VendorIDs: []string{"vendor-a", "vendor-x"},
		})
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindValidation))
	})
}

func TestExecute(t *testing.T) {
	t.Run("snapshots, rewires and archives under one transaction", func(t *testing.T) {
		vendors := twoVendors()
		vendors.perRef = 5
		evts := &fakeEvents{}
		audit := &fakeAudit{}
		locker := &fakeLocker{}
		engine, db := newTestEngine(vendors, &fakeRecords{}, evts, audit, locker)

		result, err := engine.Execute(context.Background(), executeReq())
		require.NoError(t, err)

		assert.Equal(t, eventID, result.Event.ID)
		assert.Equal(t, models.MergeMethodManual, result.Event.Method)
		assert.Equal(t, "vendor-a", result.SurvivorVendorID)
		assert.Equal(t, []string{"vendor-b"}, result.AbsorbedVendorIDs)
		assert.Equal(t, 5, result.RewiredReferences)
		assert.Equal(t, 1, db.commits)

		// both members snapshotted before any write
		assert.Len(t, evts.snapshots, 2)
		require.Len(t, evts.members, 2)
		assert.Equal(t, models.MergeMemberRoleSurvivor, evts.members[0].Role)
		assert.Equal(t, models.MergeMemberRoleAbsorbed, evts.members[1].Role)

		// survivor kept its own name and took the absorbed member's risk tier
		assert.Equal(t, "Acme Inc", vendors.scalars["vendor-a"]["name"])
		assert.Equal(t, "low", vendors.scalars["vendor-a"]["risk_tier"])
		require.Len(t, evts.decisions, 2)
		assert.Equal(t, "vendor-a", evts.decisions[0].ChosenVendorID)
		assert.Equal(t, "vendor-b", evts.decisions[1].ChosenVendorID)

		assert.Equal(t, "vendor-a", vendors.archived["vendor-b"])
		assert.Equal(t, "vendor-a", vendors.rewired["vendor-b"])

		// archival metadata lands on the absorbed row itself
		require.NotNil(t, vendors.byID["vendor-b"].MergeReason)
		assert.Equal(t, "duplicate registration", *vendors.byID["vendor-b"].MergeReason)
		require.NotNil(t, vendors.byID["vendor-b"].MergedBy)
		require.Len(t, locker.acquired, 1)
		assert.Len(t, locker.acquired[0], 2)

		// one archive entry per absorbed member plus the survivor's merge entry
		assert.Len(t, audit.changes, 2)
	})

	t.Run("replayed event id is rejected", func(t *testing.T) {
		evts := &fakeEvents{events: map[string]*models.MergeEvent{
			eventID: {ID: eventID, SurvivorVendorID: "vendor-a"},
		}}
		engine, _ := newTestEngine(twoVendors(), &fakeRecords{}, evts, &fakeAudit{}, &fakeLocker{})

		_, err := engine.Execute(context.Background(), executeReq())
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindAlreadyExecuted))
	})

	t.Run("contended vendor set reports merge in progress", func(t *testing.T) {
		locker := &fakeLocker{err: redis.ErrLockNotAcquired}
		engine, db := newTestEngine(twoVendors(), &fakeRecords{}, &fakeEvents{}, &fakeAudit{}, locker)

		_, err := engine.Execute(context.Background(), executeReq())
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindMergeInProgress))
		assert.Equal(t, 0, db.commits)
	})

	t.Run("survivor outside the member set is rejected", func(t *testing.T) {
		engine, _ := newTestEngine(twoVendors(), &fakeRecords{}, &fakeEvents{}, &fakeAudit{}, &fakeLocker{})

		req := executeReq()
		req.SurvivorID = "vendor-z"
		_, err := engine.Execute(context.Background(), req)
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindValidation))
	})

	t.Run("suggested merge records method and confidence", func(t *testing.T) {
		evts := &fakeEvents{}
		engine, _ := newTestEngine(twoVendors(), &fakeRecords{}, evts, &fakeAudit{}, &fakeLocker{})

		confidence := 0.92
		req := executeReq()
		req.Method = models.MergeMethodSuggested
		req.Confidence = &confidence

		result, err := engine.Execute(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, models.MergeMethodSuggested, result.Event.Method)
		require.NotNil(t, evts.events[eventID].Confidence)
		assert.Equal(t, 0.92, *evts.events[eventID].Confidence)
	})

	t.Run("undecided field conflict rejects the merge naming the field", func(t *testing.T) {
		engine, db := newTestEngine(twoVendors(), &fakeRecords{}, &fakeEvents{}, &fakeAudit{}, &fakeLocker{})

		req := executeReq()
		req.FieldDecisions = nil

		_, err := engine.Execute(context.Background(), req)
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindValidation))
		assert.Contains(t, err.Error(), "name")
		assert.Contains(t, err.Error(), "risk_tier")
		assert.Equal(t, 0, db.commits)
	})

	t.Run("undecided collection collision rejects the merge", func(t *testing.T) {
		records := &fakeRecords{records: []models.CatalogRecord{
			{ID: "off-1", Area: "offering", ParentID: "vendor-a", Name: "Support", NormalizedName: "support"},
			{ID: "off-2", Area: "offering", ParentID: "vendor-b", Name: "SUPPORT", NormalizedName: "support"},
		}}
		engine, db := newTestEngine(twoVendors(), records, &fakeEvents{}, &fakeAudit{}, &fakeLocker{})

		_, err := engine.Execute(context.Background(), executeReq())
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindValidation))
		assert.Contains(t, err.Error(), "offering/support")
		assert.Equal(t, 0, db.commits)
	})

	t.Run("fold decision archives the losers and keeps the chosen record", func(t *testing.T) {
		records := &fakeRecords{records: []models.CatalogRecord{
			{ID: "off-1", Area: "offering", ParentID: "vendor-a", Name: "Support", NormalizedName: "support"},
			{ID: "off-2", Area: "offering", ParentID: "vendor-b", Name: "SUPPORT", NormalizedName: "support"},
		}}
		engine, _ := newTestEngine(twoVendors(), records, &fakeEvents{}, &fakeAudit{}, &fakeLocker{})

		req := executeReq()
		req.CollisionDecisions = []models.CollisionDecisionInput{{
			Area:           "offering",
			NormalizedName: "support",
			Action:         "fold",
			KeepEntityID:   "off-1",
		}}

		result, err := engine.Execute(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, 1, result.FoldedRecords)
		assert.Equal(t, []string{"off-2"}, records.folded)
	})

	t.Run("keep_all decision folds nothing", func(t *testing.T) {
		records := &fakeRecords{records: []models.CatalogRecord{
			{ID: "off-1", Area: "offering", ParentID: "vendor-a", NormalizedName: "support"},
			{ID: "off-2", Area: "offering", ParentID: "vendor-b", NormalizedName: "support"},
		}}
		engine, _ := newTestEngine(twoVendors(), records, &fakeEvents{}, &fakeAudit{}, &fakeLocker{})

		req := executeReq()
		req.CollisionDecisions = []models.CollisionDecisionInput{{
			Area:           "offering",
			NormalizedName: "support",
			Action:         "keep_all",
		}}

		result, err := engine.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, 0, result.FoldedRecords)
		assert.Empty(t, records.folded)
	})

	t.Run("fold keeping an unknown record fails the merge", func(t *testing.T) {
		records := &fakeRecords{records: []models.CatalogRecord{
			{ID: "off-1", Area: "offering", ParentID: "vendor-a", NormalizedName: "support"},
		}}
		engine, db := newTestEngine(twoVendors(), records, &fakeEvents{}, &fakeAudit{}, &fakeLocker{})

		req := executeReq()
		req.CollisionDecisions = []models.CollisionDecisionInput{{
			Area:           "offering",
			NormalizedName: "support",
			Action:         "fold",
			KeepEntityID:   "off-99",
		}}

		_, err := engine.Execute(context.Background(), req)
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindValidation))
		assert.Equal(t, 0, db.commits)
	})
}
