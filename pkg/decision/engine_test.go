package decision

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/areas"
	"github.com/Ramsey-B/fern/pkg/enginerr"
	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeJobs struct {
	job *models.ImportJob
}

func (f *fakeJobs) GetByID(_ context.Context, _ string) (*models.ImportJob, error) {
	return f.job, nil
}

type decisionRecord struct {
	action   models.DecisionAction
	targetID *string
	detail   models.DecisionDetailPayload
}

type fakeRows struct {
	rows      []models.StageRow
	decisions map[string]decisionRecord
	blocked   map[string][]string
}

func (f *fakeRows) ListByJob(_ context.Context, _ string) ([]models.StageRow, error) {
	return f.rows, nil
}

func (f *fakeRows) SetDecision(_ context.Context, id string, action models.DecisionAction, targetID *string, detail []byte) error {
	if f.decisions == nil {
		f.decisions = map[string]decisionRecord{}
	}
	var payload models.DecisionDetailPayload
	if err := json.Unmarshal(detail, &payload); err != nil {
		return err
	}
	f.decisions[id] = decisionRecord{action: action, targetID: targetID, detail: payload}
	return nil
}

func (f *fakeRows) UpdateValidation(_ context.Context, id string, status models.StageRowStatus, issues []string) error {
	if status == models.StageRowStatusBlocked {
		if f.blocked == nil {
			f.blocked = map[string][]string{}
		}
		f.blocked[id] = issues
	}
	return nil
}

type fakeVendors struct {
	byKey map[string][]models.Vendor
}

func (f *fakeVendors) FindByNaturalKey(_ context.Context, normalizedName string) ([]models.Vendor, error) {
	return f.byKey[normalizedName], nil
}

type fakeRecords struct {
	byKey map[string][]models.CatalogRecord // area + "\x00" + key
}

func (f *fakeRecords) FindByNaturalKeyGlobal(_ context.Context, area areas.Area, normalizedName string) ([]models.CatalogRecord, error) {
	return f.byKey[string(area)+"\x00"+normalizedName], nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func stagedJob() *models.ImportJob {
	return &models.ImportJob{ID: "job-1", Status: models.ImportJobStatusStaged}
}

func vendorRow(id string, index int, name string, key string, extra ...models.RawField) models.StageRow {
	raw := models.RawRecord{{Key: "Vendor Name", Value: name}}
	raw = append(raw, extra...)
	mapped, _ := json.Marshal(map[string]any{"name": name})
	return models.StageRow{
		ID:         id,
		JobID:      "job-1",
		Area:       "vendor",
		RowIndex:   index,
		Raw:        raw,
		Mapped:     mapped,
		NaturalKey: key,
		Status:     models.StageRowStatusReady,
	}
}

func childRow(id string, index int, area, name, key, parentName string) models.StageRow {
	mapped, _ := json.Marshal(map[string]any{"name": name, "parent_name": parentName})
	return models.StageRow{
		ID:         id,
		JobID:      "job-1",
		Area:       area,
		RowIndex:   index,
		Raw:        models.RawRecord{{Key: "Name", Value: name}, {Key: "Vendor", Value: parentName}},
		Mapped:     mapped,
		NaturalKey: key,
		Status:     models.StageRowStatusReady,
	}
}

func TestDecide(t *testing.T) {
	t.Run("unmatched vendor row creates", func(t *testing.T) {
		rows := &fakeRows{rows: []models.StageRow{vendorRow("row-1", 0, "Acme, Inc.", "acme inc")}}
		engine := NewEngine(&fakeJobs{job: stagedJob()}, rows, &fakeVendors{}, &fakeRecords{}, testLogger())

		report, err := engine.Decide(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, 1, report.Create)
		d := rows.decisions["row-1"]
		assert.Equal(t, models.DecisionActionCreate, d.action)
		assert.Nil(t, d.targetID)
		assert.Equal(t, "acme inc", d.detail.MatchedKey)
		assert.NotEmpty(t, d.detail.Fingerprint)
	})

	t.Run("catalog match merges into the existing vendor", func(t *testing.T) {
		rows := &fakeRows{rows: []models.StageRow{vendorRow("row-1", 0, "Acme, Inc.", "acme inc")}}
		vendors := &fakeVendors{byKey: map[string][]models.Vendor{
			"acme inc": {{ID: "vendor-7", Name: "Acme Inc"}},
		}}
		engine := NewEngine(&fakeJobs{job: stagedJob()}, rows, vendors, &fakeRecords{}, testLogger())

		report, err := engine.Decide(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, 1, report.Merge)
		d := rows.decisions["row-1"]
		assert.Equal(t, models.DecisionActionMerge, d.action)
		require.NotNil(t, d.targetID)
		assert.Equal(t, "vendor-7", *d.targetID)
	})

	t.Run("identical later row skips, differing later row merges into the first", func(t *testing.T) {
		first := vendorRow("row-1", 0, "Acme, Inc.", "acme inc")
		duplicate := vendorRow("row-2", 1, "acme,  inc.", "acme inc") // same after normalization
		revised := vendorRow("row-3", 2, "Acme, Inc.", "acme inc", models.RawField{Key: "Phone", Value: "555-0100"})
		rows := &fakeRows{rows: []models.StageRow{first, duplicate, revised}}
		engine := NewEngine(&fakeJobs{job: stagedJob()}, rows, &fakeVendors{}, &fakeRecords{}, testLogger())

		report, err := engine.Decide(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, 1, report.Create)
		assert.Equal(t, 1, report.Skip)
		assert.Equal(t, 1, report.Merge)

		skip := rows.decisions["row-2"]
		assert.Equal(t, models.DecisionActionSkip, skip.action)
		require.NotNil(t, skip.detail.SameJobRowIndex)
		assert.Equal(t, 0, *skip.detail.SameJobRowIndex)

		merge := rows.decisions["row-3"]
		assert.Equal(t, models.DecisionActionMerge, merge.action)
		assert.Nil(t, merge.targetID) // resolved at apply via the first row
		require.NotNil(t, merge.detail.SameJobRowIndex)
		assert.Equal(t, 0, *merge.detail.SameJobRowIndex)
	})

	t.Run("error rows skip and review rows stay in review", func(t *testing.T) {
		broken := vendorRow("row-1", 0, "", "")
		broken.Status = models.StageRowStatusError
		held := vendorRow("row-2", 1, "Acme", "acme")
		held.Status = models.StageRowStatusReview
		held.Issues = []string{"unknown risk_tier value: Critical"}
		rows := &fakeRows{rows: []models.StageRow{broken, held}}
		engine := NewEngine(&fakeJobs{job: stagedJob()}, rows, &fakeVendors{}, &fakeRecords{}, testLogger())

		report, err := engine.Decide(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, 1, report.Skip)
		assert.Equal(t, 1, report.Review)
		assert.Equal(t, 0, report.Blocked)
		assert.Equal(t, models.DecisionActionSkip, rows.decisions["row-1"].action)

		// governance-pending rows keep their status and issues untouched
		assert.NotContains(t, rows.blocked, "row-2")
		assert.Equal(t, models.StageRowStatusReview, rows.rows[1].Status)
		assert.Equal(t, []string{"unknown risk_tier value: Critical"}, rows.rows[1].Issues)
	})

	t.Run("child row resolves against catalog parent", func(t *testing.T) {
		rows := &fakeRows{rows: []models.StageRow{
			childRow("row-1", 0, "offering", "Support", "support", "Acme, Inc."),
		}}
		vendors := &fakeVendors{byKey: map[string][]models.Vendor{
			"acme inc": {{ID: "vendor-7"}},
		}}
		engine := NewEngine(&fakeJobs{job: stagedJob()}, rows, vendors, &fakeRecords{}, testLogger())

		report, err := engine.Decide(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, 1, report.Create)
		assert.Equal(t, models.DecisionActionCreate, rows.decisions["row-1"].action)
	})

	t.Run("child row accepts a parent staged in the same job", func(t *testing.T) {
		rows := &fakeRows{rows: []models.StageRow{
			vendorRow("row-1", 0, "Acme, Inc.", "acme inc"),
			childRow("row-2", 1, "offering", "Support", "support", "Acme, Inc."),
		}}
		engine := NewEngine(&fakeJobs{job: stagedJob()}, rows, &fakeVendors{}, &fakeRecords{}, testLogger())

		report, err := engine.Decide(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, 2, report.Create)
		assert.Equal(t, 0, report.Blocked)
	})

	t.Run("child row with unreachable parent blocks", func(t *testing.T) {
		rows := &fakeRows{rows: []models.StageRow{
			childRow("row-1", 0, "offering", "Support", "support", "Nobody Corp"),
		}}
		engine := NewEngine(&fakeJobs{job: stagedJob()}, rows, &fakeVendors{}, &fakeRecords{}, testLogger())

		report, err := engine.Decide(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, 1, report.Blocked)
		assert.Contains(t, rows.blocked["row-1"], "unknown parent: nobody corp")
	})

	t.Run("child row without a parent reference blocks", func(t *testing.T) {
		row := childRow("row-1", 0, "offering", "Support", "support", "")
		mapped, _ := json.Marshal(map[string]any{"name": "Support"})
		row.Mapped = mapped
		rows := &fakeRows{rows: []models.StageRow{row}}
		engine := NewEngine(&fakeJobs{job: stagedJob()}, rows, &fakeVendors{}, &fakeRecords{}, testLogger())

		report, err := engine.Decide(context.Background(), "job-1")
		require.NoError(t, err)

		assert.Equal(t, 1, report.Blocked)
		assert.Contains(t, rows.blocked["row-1"], "missing parent reference")
	})

	t.Run("job outside staged refuses to decide", func(t *testing.T) {
		job := &models.ImportJob{ID: "job-1", Status: models.ImportJobStatusUploaded}
		engine := NewEngine(&fakeJobs{job: job}, &fakeRows{}, &fakeVendors{}, &fakeRecords{}, testLogger())

		_, err := engine.Decide(context.Background(), "job-1")
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindStaleJobState))
	})
}
