package staging

import (
	"context"
	"fmt"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/enginerr"
	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeJobs struct {
	jobs    map[string]*models.ImportJob
	pinned  map[string]string
	changes []string
}

func (f *fakeJobs) GetByID(_ context.Context, id string) (*models.ImportJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return job, nil
}

func (f *fakeJobs) TransitionStatus(_ context.Context, id string, from, to models.ImportJobStatus) error {
	job := f.jobs[id]
	if job.Status != from {
		return enginerr.Newf(enginerr.KindStaleJobState, "job %s is %s not %s", id, job.Status, from)
	}
	job.Status = to
	f.changes = append(f.changes, string(from)+"->"+string(to))
	return nil
}

func (f *fakeJobs) SetMappingProfile(_ context.Context, id, profileID string) error {
	if f.pinned == nil {
		f.pinned = map[string]string{}
	}
	f.pinned[id] = profileID
	f.jobs[id].MappingProfileID = &profileID
	return nil
}

type fakeRows struct {
	byKey map[string]*models.StageRow
	order []*models.StageRow
}

func (f *fakeRows) InsertBatch(_ context.Context, rows []*models.StageRow) (int, error) {
	if f.byKey == nil {
		f.byKey = map[string]*models.StageRow{}
	}
	inserted := 0
	for _, row := range rows {
		key := fmt.Sprintf("%s:%d", row.JobID, row.RowIndex)
		if _, ok := f.byKey[key]; ok {
			continue
		}
		f.byKey[key] = row
		f.order = append(f.order, row)
		inserted++
	}
	return inserted, nil
}

type fakeProfiles struct {
	byID  map[string]*models.MappingProfile
	heads map[string]*models.MappingProfile
}

func (f *fakeProfiles) GetByID(_ context.Context, id string) (*models.MappingProfile, error) {
	profile, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("profile %s not found", id)
	}
	return profile, nil
}

func (f *fakeProfiles) GetHead(_ context.Context, layoutKey string) (*models.MappingProfile, error) {
	return f.heads[layoutKey], nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func vendorProfile() *models.MappingProfile {
	return &models.MappingProfile{
		ID:        "profile-1",
		LayoutKey: "csv:abc",
		Version:   3,
		FieldMap: map[string]string{
			"Vendor Name": "name",
			"Legal":       "legal_name",
			"Risk":        "risk_tier",
		},
	}
}

func TestStage(t *testing.T) {
	t.Run("maps fields and pins the layout profile", func(t *testing.T) {
		jobs := &fakeJobs{jobs: map[string]*models.ImportJob{
			"job-1": {ID: "job-1", LayoutKey: "csv:abc", Status: models.ImportJobStatusUploaded},
		}}
		rows := &fakeRows{}
		profile := vendorProfile()
		profiles := &fakeProfiles{
			byID:  map[string]*models.MappingProfile{"profile-1": profile},
			heads: map[string]*models.MappingProfile{"csv:abc": profile},
		}
		engine := NewEngine(jobs, rows, profiles, testLogger(), 500)

		report, err := engine.Stage(context.Background(), "job-1", models.StageRowsRequest{
			Rows: []models.StageRowInput{{
				Area:     "vendor",
				RowIndex: 0,
				LineNo:   2,
				Fields: models.RawRecord{
					{Key: "Vendor Name", Value: "  Acme, Inc. "},
					{Key: "Legal", Value: "Acme Incorporated"},
					{Key: "Internal Ref", Value: "X-42"},
				},
			}},
		})
		require.NoError(t, err)

		assert.Equal(t, 1, report.Received)
		assert.Equal(t, 1, report.Inserted)
		assert.Equal(t, 0, report.Replayed)
		assert.Equal(t, "profile-1", report.ProfileID)
		assert.Equal(t, 3, report.ProfileVer)
		assert.Equal(t, "profile-1", jobs.pinned["job-1"])
		assert.Equal(t, models.ImportJobStatusStaged, jobs.jobs["job-1"].Status)

		require.Len(t, rows.order, 1)
		row := rows.order[0]
		assert.Equal(t, models.StageRowStatusReady, row.Status)
		assert.Equal(t, "acme inc", row.NaturalKey)
		assert.JSONEq(t, `{"name":"Acme, Inc.","legal_name":"Acme Incorporated"}`, string(row.Mapped))
		require.Len(t, row.Unmapped, 1)
		assert.Equal(t, "Internal Ref", row.Unmapped[0].Key)
		// raw payload is untouched, leading whitespace and all
		assert.Equal(t, "  Acme, Inc. ", row.Raw[0].Value)
	})

	t.Run("row without a name lands in error with an issue", func(t *testing.T) {
		jobs := &fakeJobs{jobs: map[string]*models.ImportJob{
			"job-1": {ID: "job-1", LayoutKey: "csv:abc", Status: models.ImportJobStatusUploaded},
		}}
		rows := &fakeRows{}
		profile := vendorProfile()
		profiles := &fakeProfiles{
			byID:  map[string]*models.MappingProfile{"profile-1": profile},
			heads: map[string]*models.MappingProfile{"csv:abc": profile},
		}
		engine := NewEngine(jobs, rows, profiles, testLogger(), 500)

		_, err := engine.Stage(context.Background(), "job-1", models.StageRowsRequest{
			Rows: []models.StageRowInput{{
				Area:   "vendor",
				Fields: models.RawRecord{{Key: "Legal", Value: "Acme Incorporated"}},
			}},
		})
		require.NoError(t, err)

		require.Len(t, rows.order, 1)
		assert.Equal(t, models.StageRowStatusError, rows.order[0].Status)
		assert.Contains(t, rows.order[0].Issues, "missing required field: name")
	})

	t.Run("replayed batch is absorbed without effect", func(t *testing.T) {
		jobs := &fakeJobs{jobs: map[string]*models.ImportJob{
			"job-1": {ID: "job-1", LayoutKey: "csv:abc", Status: models.ImportJobStatusUploaded},
		}}
		rows := &fakeRows{}
		profile := vendorProfile()
		profiles := &fakeProfiles{
			byID:  map[string]*models.MappingProfile{"profile-1": profile},
			heads: map[string]*models.MappingProfile{"csv:abc": profile},
		}
		engine := NewEngine(jobs, rows, profiles, testLogger(), 500)

		req := models.StageRowsRequest{
			Rows: []models.StageRowInput{{
				Area:   "vendor",
				Fields: models.RawRecord{{Key: "Vendor Name", Value: "Acme"}},
			}},
		}
		_, err := engine.Stage(context.Background(), "job-1", req)
		require.NoError(t, err)

		report, err := engine.Stage(context.Background(), "job-1", req)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Inserted)
		assert.Equal(t, 1, report.Replayed)
		assert.Len(t, rows.order, 1)
	})

	t.Run("unknown area rejects the batch", func(t *testing.T) {
		jobs := &fakeJobs{jobs: map[string]*models.ImportJob{
			"job-1": {ID: "job-1", LayoutKey: "csv:abc", Status: models.ImportJobStatusUploaded},
		}}
		profile := vendorProfile()
		profiles := &fakeProfiles{
			byID:  map[string]*models.MappingProfile{"profile-1": profile},
			heads: map[string]*models.MappingProfile{"csv:abc": profile},
		}
		engine := NewEngine(jobs, &fakeRows{}, profiles, testLogger(), 500)

		_, err := engine.Stage(context.Background(), "job-1", models.StageRowsRequest{
			Rows: []models.StageRowInput{{
				Area:   "warehouse",
				Fields: models.RawRecord{{Key: "Vendor Name", Value: "Acme"}},
			}},
		})
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindValidation))
	})

	t.Run("terminal job refuses rows", func(t *testing.T) {
		jobs := &fakeJobs{jobs: map[string]*models.ImportJob{
			"job-1": {ID: "job-1", LayoutKey: "csv:abc", Status: models.ImportJobStatusApplied},
		}}
		engine := NewEngine(jobs, &fakeRows{}, &fakeProfiles{}, testLogger(), 500)

		_, err := engine.Stage(context.Background(), "job-1", models.StageRowsRequest{
			Rows: []models.StageRowInput{{
				Area:   "vendor",
				Fields: models.RawRecord{{Key: "Vendor Name", Value: "Acme"}},
			}},
		})
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindStaleJobState))
	})

	t.Run("missing layout profile rejects the batch", func(t *testing.T) {
		jobs := &fakeJobs{jobs: map[string]*models.ImportJob{
			"job-1": {ID: "job-1", LayoutKey: "csv:unknown", Status: models.ImportJobStatusUploaded},
		}}
		engine := NewEngine(jobs, &fakeRows{}, &fakeProfiles{}, testLogger(), 500)

		_, err := engine.Stage(context.Background(), "job-1", models.StageRowsRequest{
			Rows: []models.StageRowInput{{
				Area:   "vendor",
				Fields: models.RawRecord{{Key: "Vendor Name", Value: "Acme"}},
			}},
		})
		require.Error(t, err)
		assert.True(t, enginerr.IsKind(err, enginerr.KindValidation))
	})

	t.Run("pinned profile wins over a newer head", func(t *testing.T) {
		pinnedID := "profile-1"
		jobs := &fakeJobs{jobs: map[string]*models.ImportJob{
			"job-1": {ID: "job-1", LayoutKey: "csv:abc", Status: models.ImportJobStatusStaged, MappingProfileID: &pinnedID},
		}}
		rows := &fakeRows{}
		old := vendorProfile()
		newer := vendorProfile()
		newer.ID = "profile-2"
		newer.Version = 4
		profiles := &fakeProfiles{
			byID:  map[string]*models.MappingProfile{"profile-1": old, "profile-2": newer},
			heads: map[string]*models.MappingProfile{"csv:abc": newer},
		}
		engine := NewEngine(jobs, rows, profiles, testLogger(), 500)

		report, err := engine.Stage(context.Background(), "job-1", models.StageRowsRequest{
			Rows: []models.StageRowInput{{
				Area:   "vendor",
				Fields: models.RawRecord{{Key: "Vendor Name", Value: "Acme"}},
			}},
		})
		require.NoError(t, err)
		assert.Equal(t, "profile-1", report.ProfileID)
		assert.Equal(t, 3, report.ProfileVer)
	})
}
