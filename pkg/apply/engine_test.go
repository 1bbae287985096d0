package apply

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

type fakeJobs struct {
	job       *models.ImportJob
	counters  models.ApplyResult
	completed models.ImportJobStatus
}

func (f *fakeJobs) GetByID(_ context.Context, _ string) (*models.ImportJob, error) {
	return f.job, nil
}

func (f *fakeJobs) TransitionStatus(_ context.Context, _ string, from, to models.ImportJobStatus) error {
	if f.job.Status != from {
		return enginerr.Newf(enginerr.KindStaleJobState, "job is %s not %s", f.job.Status, from)
	}
	f.job.Status = to
	return nil
}

func (f *fakeJobs) AddCounters(_ context.Context, _ string, result models.ApplyResult) error {
	f.counters.Created += result.Created
	f.counters.Merged += result.Merged
	f.counters.Skipped += result.Skipped
	f.counters.Failed += result.Failed
	return nil
}

func (f *fakeJobs) Complete(_ context.Context, _ string, status models.ImportJobStatus) error {
	f.completed = status
	f.job.Status = status
	return nil
}

type fakeRows struct {
	rows    []models.StageRow
	applied map[string]*string
	errors  map[string]string
}

func (f *fakeRows) ListByJob(_ context.Context, _ string) ([]models.StageRow, error) {
	return f.rows, nil
}

func (f *fakeRows) ListUnapplied(_ context.Context, _ string) ([]models.StageRow, error) {
	var out []models.StageRow
	for _, row := range f.rows {
		if row.AppliedAt == nil && row.AppliedEntityID == nil {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeRows) MarkApplied(_ context.Context, id string, entityID *string) error {
	if f.applied == nil {
		f.applied = map[string]*string{}
	}
	f.applied[id] = entityID
	now := time.Now().UTC()
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows[i].AppliedAt = &now
			f.rows[i].AppliedEntityID = entityID
		}
	}
	return nil
}

func (f *fakeRows) MarkApplyError(_ context.Context, id string, applyErr string) error {
	if f.errors == nil {
		f.errors = map[string]string{}
	}
	f.errors[id] = applyErr
	return nil
}

type fakeGate struct {
	err error
}

func (f *fakeGate) Gate(_ context.Context, _ string) error { return f.err }

type fakeVendors struct {
	created    []*models.Vendor
	byID       map[string]*models.Vendor
	byKey      map[string][]models.Vendor
	scalars    map[string]map[string]any
	attributes map[string]map[string]any
}

func (f *fakeVendors) Create(_ context.Context, vendor *models.Vendor) error {
	f.created = append(f.created, vendor)
	if f.byID == nil {
		f.byID = map[string]*models.Vendor{}
	}
	if f.byKey == nil {
		f.byKey = map[string][]models.Vendor{}
	}
	f.byID[vendor.ID] = vendor
	f.byKey[vendor.NormalizedName] = append(f.byKey[vendor.NormalizedName], *vendor)
	return nil
}

func (f *fakeVendors) GetByID(_ context.Context, id string) (*models.Vendor, error) {
	vendor, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("vendor %s not found", id)
	}
	return vendor, nil
}

func (f *fakeVendors) FindByNaturalKey(_ context.Context, normalizedName string) ([]models.Vendor, error) {
	return f.byKey[normalizedName], nil
}

func (f *fakeVendors) ResolveCanonical(ctx context.Context, id string) (*models.Vendor, error) {
	vendor, err := f.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	for vendor.MergedIntoID != nil {
		vendor, err = f.GetByID(ctx, *vendor.MergedIntoID)
		if err != nil {
			return nil, err
		}
	}
	return vendor, nil
}

func (f *fakeVendors) UpdateScalars(_ context.Context, id string, fields map[string]any) error {
	if f.scalars == nil {
		f.scalars = map[string]map[string]any{}
	}
	f.scalars[id] = fields
	return nil
}

func (f *fakeVendors) MergeAttributes(_ context.Context, id string, attrs map[string]any) error {
	if f.attributes == nil {
		f.attributes = map[string]map[string]any{}
	}
	f.attributes[id] = attrs
	return nil
}

type fakeRecords struct {
	created []*models.CatalogRecord
	byKey   map[string][]models.CatalogRecord
	merged  map[string]map[string]any
}

func (f *fakeRecords) Create(_ context.Context, area areas.Area, rec *models.CatalogRecord) error {
	f.created = append(f.created, rec)
	if f.byKey == nil {
		f.byKey = map[string][]models.CatalogRecord{}
	}
	key := string(area) + "\x00" + rec.NormalizedName
	f.byKey[key] = append(f.byKey[key], *rec)
	return nil
}

func (f *fakeRecords) FindByNaturalKey(_ context.Context, area areas.Area, parentID, normalizedName string) ([]models.CatalogRecord, error) {
	var out []models.CatalogRecord
	for _, rec := range f.byKey[string(area)+"\x00"+normalizedName] {
		if rec.ParentID == parentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeRecords) FindByNaturalKeyGlobal(_ context.Context, area areas.Area, normalizedName string) ([]models.CatalogRecord, error) {
	return f.byKey[string(area)+"\x00"+normalizedName], nil
}

func (f *fakeRecords) MergeData(_ context.Context, area areas.Area, id string, data map[string]any) error {
	if f.merged == nil {
		f.merged = map[string]map[string]any{}
	}
	f.merged[string(area)+"\x00"+id] = data
	return nil
}

type fakeAudit struct {
	changes []models.EntityChange
}

func (f *fakeAudit) Record(_ context.Context, change *models.EntityChange) error {
	f.changes = append(f.changes, *change)
	return nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func stagedJob() *models.ImportJob {
	return &models.ImportJob{ID: "job-1", Status: models.ImportJobStatusStaged}
}

func decidedRow(id string, index int, area string, action models.DecisionAction, mapped map[string]any, key string) models.StageRow {
	raw, _ := json.Marshal(mapped)
	return models.StageRow{
		ID:             id,
		JobID:          "job-1",
		Area:           area,
		RowIndex:       index,
		Mapped:         raw,
		NaturalKey:     key,
		Status:         models.StageRowStatusReady,
		DecisionAction: action,
	}
}

func newTestEngine(jobs *fakeJobs, rows *fakeRows, gate *fakeGate, vendors *fakeVendors, records *fakeRecords, audit *fakeAudit) (*Engine, *fakeDB) {
	db := &fakeDB{}
	return NewEngine(db, jobs, rows, gate, vendors, records, audit, nil, testLogger(), 0), db
}

func TestApply(t *testing.T) {
	t.Run("creates vendors then children in dependency order", func(t *testing.T) {
		jobs := &fakeJobs{job: stagedJob()}
		// the offering row comes first in the file; apply must still create
		// the vendor before it
		rows := &fakeRows{rows: []models.StageRow{
			decidedRow("row-2", 1, "offering", models.DecisionActionCreate,
				map[string]any{"name": "Support", "parent_name": "Acme, Inc.", "tier": "gold"}, "support"),
			decidedRow("row-1", 0, "vendor", models.DecisionActionCreate,
				map[string]any{"name": "Acme, Inc.", "website": "acme.example", "duns": "123"}, "acme inc"),
		}}
		vendors := &fakeVendors{}
		records := &fakeRecords{}
		audit := &fakeAudit{}
		engine, db := newTestEngine(jobs, rows, &fakeGate{}, vendors, records, audit)

		result, err := engine.Apply(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, 2, result.Created)
		assert.Equal(t, 0, result.Failed)
		assert.Equal(t, models.ImportJobStatusApplied, jobs.completed)
		assert.Equal(t, 2, db.commits)

		require.Len(t, vendors.created, 1)
		vendor := vendors.created[0]
		assert.Equal(t, "Acme, Inc.", vendor.Name)
		assert.Equal(t, "acme inc", vendor.NormalizedName)
		require.NotNil(t, vendor.Website)
		assert.Equal(t, "acme.example", *vendor.Website)
		assert.JSONEq(t, `{"duns":"123"}`, string(vendor.Attributes))

		require.Len(t, records.created, 1)
		offering := records.created[0]
		assert.Equal(t, vendor.ID, offering.ParentID)
		assert.Equal(t, "Support", offering.Name)
		assert.JSONEq(t, `{"tier":"gold"}`, string(offering.Data))

		assert.Len(t, audit.changes, 2)
		require.NotNil(t, rows.applied["row-1"])
		require.NotNil(t, rows.applied["row-2"])
	})

	t.Run("merge row folds into the catalog target", func(t *testing.T) {
		jobs := &fakeJobs{job: stagedJob()}
		target := "vendor-7"
		row := decidedRow("row-1", 0, "vendor", models.DecisionActionMerge,
			map[string]any{"name": "Acme, Inc.", "website": "acme.example", "duns": "123"}, "acme inc")
		row.DecisionTargetID = &target
		rows := &fakeRows{rows: []models.StageRow{row}}
		vendors := &fakeVendors{byID: map[string]*models.Vendor{
			"vendor-7": {ID: "vendor-7", Name: "Acme Inc", NormalizedName: "acme inc"},
		}}
		audit := &fakeAudit{}
		engine, _ := newTestEngine(jobs, rows, &fakeGate{}, vendors, &fakeRecords{}, audit)

		result, err := engine.Apply(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, 1, result.Merged)
		assert.Equal(t, "acme.example", vendors.scalars["vendor-7"]["website"])
		assert.Equal(t, map[string]any{"duns": "123"}, vendors.attributes["vendor-7"])
		require.NotNil(t, rows.applied["row-1"])
		assert.Equal(t, "vendor-7", *rows.applied["row-1"])
	})

	t.Run("merge target that was absorbed lands on the survivor", func(t *testing.T) {
		jobs := &fakeJobs{job: stagedJob()}
		target := "vendor-old"
		row := decidedRow("row-1", 0, "vendor", models.DecisionActionMerge,
			map[string]any{"name": "Acme, Inc."}, "acme inc")
		row.DecisionTargetID = &target
		rows := &fakeRows{rows: []models.StageRow{row}}
		survivorID := "vendor-new"
		vendors := &fakeVendors{byID: map[string]*models.Vendor{
			"vendor-old": {ID: "vendor-old", MergedIntoID: &survivorID},
			"vendor-new": {ID: "vendor-new", Name: "Acme", NormalizedName: "acme inc"},
		}}
		engine, _ := newTestEngine(jobs, rows, &fakeGate{}, vendors, &fakeRecords{}, &fakeAudit{})

		_, err := engine.Apply(context.Background(), "job-1")
		require.NoError(t, err)

		require.NotNil(t, rows.applied["row-1"])
		assert.Equal(t, "vendor-new", *rows.applied["row-1"])
	})

	t.Run("in-job merge resolves through the earlier row's entity", func(t *testing.T) {
		jobs := &fakeJobs{job: stagedJob()}
		idx := 0
		detail, _ := json.Marshal(models.DecisionDetailPayload{SameJobRowIndex: &idx})
		later := decidedRow("row-2", 1, "vendor", models.DecisionActionMerge,
			map[string]any{"name": "Acme, Inc.", "phone": "555-0100"}, "acme inc")
		later.DecisionDetail = detail
		rows := &fakeRows{rows: []models.StageRow{
			decidedRow("row-1", 0, "vendor", models.DecisionActionCreate,
				map[string]any{"name": "Acme, Inc."}, "acme inc"),
			later,
		}}
		vendors := &fakeVendors{}
		engine, _ := newTestEngine(jobs, rows, &fakeGate{}, vendors, &fakeRecords{}, &fakeAudit{})

		result, err := engine.Apply(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, 1, result.Created)
		assert.Equal(t, 1, result.Merged)
		require.Len(t, vendors.created, 1)
		assert.Equal(t, vendors.created[0].ID, *rows.applied["row-2"])
	})

	t.Run("resume picks up unapplied rows with earlier targets intact", func(t *testing.T) {
		jobs := &fakeJobs{job: &models.ImportJob{ID: "job-1", Status: models.ImportJobStatusApplying}}
		appliedID := "vendor-1"
		done := decidedRow("row-1", 0, "vendor", models.DecisionActionCreate,
			map[string]any{"name": "Acme, Inc."}, "acme inc")
		done.AppliedEntityID = &appliedID

		idx := 0
		detail, _ := json.Marshal(models.DecisionDetailPayload{SameJobRowIndex: &idx})
		remaining := decidedRow("row-2", 1, "vendor", models.DecisionActionMerge,
			map[string]any{"name": "Acme, Inc.", "phone": "555-0100"}, "acme inc")
		remaining.DecisionDetail = detail

		rows := &fakeRows{rows: []models.StageRow{done, remaining}}
		vendors := &fakeVendors{byID: map[string]*models.Vendor{
			"vendor-1": {ID: "vendor-1", Name: "Acme", NormalizedName: "acme inc"},
		}}
		engine, _ := newTestEngine(jobs, rows, &fakeGate{}, vendors, &fakeRecords{}, &fakeAudit{})

		result, err := engine.Apply(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, 0, result.Created)
		assert.Equal(t, 1, result.Merged)
		assert.Equal(t, "vendor-1", *rows.applied["row-2"])
		assert.Equal(t, models.ImportJobStatusApplied, jobs.completed)
	})

	t.Run("skip rows count without touching the catalog", func(t *testing.T) {
		jobs := &fakeJobs{job: stagedJob()}
		rows := &fakeRows{rows: []models.StageRow{
			decidedRow("row-1", 0, "vendor", models.DecisionActionSkip,
				map[string]any{"name": "Acme, Inc."}, "acme inc"),
		}}
		vendors := &fakeVendors{}
		engine, _ := newTestEngine(jobs, rows, &fakeGate{}, vendors, &fakeRecords{}, &fakeAudit{})

		result, err := engine.Apply(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, 1, result.Skipped)
		assert.Empty(t, vendors.created)
		require.Contains(t, rows.applied, "row-1")
		assert.Nil(t, rows.applied["row-1"])
	})

	t.Run("blocked row fails the job without stopping the run", func(t *testing.T) {
		jobs := &fakeJobs{job: stagedJob()}
		blocked := decidedRow("row-1", 0, "offering", "", map[string]any{"name": "Support"}, "support")
		blocked.Status = models.StageRowStatusBlocked
		blocked.Issues = []string{"unknown parent: nobody corp"}
		rows := &fakeRows{rows: []models.StageRow{
			blocked,
			decidedRow("row-2", 1, "vendor", models.DecisionActionCreate,
				map[string]any{"name": "Acme, Inc."}, "acme inc"),
		}}
		engine, _ := newTestEngine(jobs, rows, &fakeGate{}, &fakeVendors{}, &fakeRecords{}, &fakeAudit{})

		result, err := engine.Apply(context.Background(), "job-1")
		require.NoError(t, err)

		// the sibling row still lands, but any failure makes the terminal
		// status failed
		assert.Equal(t, 1, result.Created)
		assert.Equal(t, 1, result.Failed)
		assert.Contains(t, rows.errors["row-1"], "blocked")
		assert.Equal(t, models.ImportJobStatusFailed, jobs.completed)
	})

	t.Run("failed job re-applies its remaining rows to applied", func(t *testing.T) {
		jobs := &fakeJobs{job: stagedJob()}
		// a merge with no resolvable target fails on the first run
		bad := decidedRow("row-1", 0, "vendor", models.DecisionActionMerge,
			map[string]any{"name": "Acme"}, "acme")
		good := decidedRow("row-2", 1, "vendor", models.DecisionActionCreate,
			map[string]any{"name": "Globex"}, "globex")
		rows := &fakeRows{rows: []models.StageRow{bad, good}}
		vendors := &fakeVendors{}
		engine, _ := newTestEngine(jobs, rows, &fakeGate{}, vendors, &fakeRecords{}, &fakeAudit{})

		result, err := engine.Apply(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, models.ImportJobStatusFailed, jobs.job.Status)

		// redeciding the row to a create clears the failure on the next run
		rows.rows[0].DecisionAction = models.DecisionActionCreate

		result, err = engine.Apply(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, 0, result.Failed)
		assert.Equal(t, 1, result.Created)
		assert.Equal(t, models.ImportJobStatusApplied, jobs.job.Status)
		assert.Len(t, vendors.created, 2)
	})

	t.Run("pending governance stops the run before any write", func(t *testing.T) {
		jobs := &fakeJobs{job: stagedJob()}
		rows := &fakeRows{rows: []models.StageRow{
			decidedRow("row-1", 0, "vendor", models.DecisionActionCreate,
				map[string]any{"name": "Acme, Inc."}, "acme inc"),
		}}
		gate := &fakeGate{err: enginerr.New(enginerr.KindPendingGovernance, "2 values awaiting review")}
		vendors := &fakeVendors{}
		engine, _ := newTestEngine(jobs, rows, gate, vendors, &fakeRecords{}, &fakeAudit{})

		_, err := engine.Apply(context.Background(), "job-1")
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindPendingGovernance))
		assert.Empty(t, vendors.created)
	})

	t.Run("already applied job refuses another run", func(t *testing.T) {
		jobs := &fakeJobs{job: &models.ImportJob{ID: "job-1", Status: models.ImportJobStatusApplied}}
		engine, _ := newTestEngine(jobs, &fakeRows{}, &fakeGate{}, &fakeVendors{}, &fakeRecords{}, &fakeAudit{})

		_, err := engine.Apply(context.Background(), "job-1")
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindStaleJobState))
	})

	t.Run("error cap aborts and leaves the job resumable", func(t *testing.T) {
		jobs := &fakeJobs{job: stagedJob()}
		// merge rows with no target and no same-job reference fail one by one
		bad1 := decidedRow("row-1", 0, "vendor", models.DecisionActionMerge,
			map[string]any{"name": "Acme"}, "acme")
		bad2 := decidedRow("row-2", 1, "vendor", models.DecisionActionMerge,
			map[string]any{"name": "Globex"}, "globex")
		rows := &fakeRows{rows: []models.StageRow{bad1, bad2}}
		db := &fakeDB{}
		engine := NewEngine(db, jobs, rows, &fakeGate{}, &fakeVendors{}, &fakeRecords{}, &fakeAudit{}, nil, testLogger(), 1)

		result, err := engine.Apply(context.Background(), "job-1")
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindIntegrity))
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, models.ImportJobStatus(""), jobs.completed)
		assert.Equal(t, models.ImportJobStatusApplying, jobs.job.Status)
		assert.NotContains(t, rows.errors, "row-2")
	})
}
