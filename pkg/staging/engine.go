// Package staging turns parsed source rows into stage rows: raw payload kept
// byte-for-byte, profile-mapped catalog fields split from the unmapped rest.
package staging

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/areas"
	"github.com/Ramsey-B/fern/pkg/enginerr"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// JobStore is the import job persistence the engine needs.
type JobStore interface {
	GetByID(ctx context.Context, id string) (*models.ImportJob, error)
	TransitionStatus(ctx context.Context, id string, from, to models.ImportJobStatus) error
	SetMappingProfile(ctx context.Context, id, profileID string) error
}

// RowStore is the stage row persistence the engine needs.
type RowStore interface {
	InsertBatch(ctx context.Context, rows []*models.StageRow) (int, error)
}

// ProfileStore resolves mapping profiles.
type ProfileStore interface {
	GetByID(ctx context.Context, id string) (*models.MappingProfile, error)
	GetHead(ctx context.Context, layoutKey string) (*models.MappingProfile, error)
}

// Report summarizes one staging batch.
type Report struct {
	JobID      string `json:"job_id"`
	Received   int    `json:"received"`
	Inserted   int    `json:"inserted"`
	Replayed   int    `json:"replayed"`
	ProfileID  string `json:"profile_id"`
	ProfileVer int    `json:"profile_version"`
}

// defaultBatchSize bounds a single insert statement when no batch size is
// configured.
const defaultBatchSize = 500

// Engine stages parsed rows under an import job.
type Engine struct {
	jobs      JobStore
	rows      RowStore
	profiles  ProfileStore
	logger    ectologger.Logger
	batchSize int
}

// NewEngine creates a staging engine. Inserts are chunked to batchSize rows
// per statement; zero or negative falls back to the default.
func NewEngine(jobs JobStore, rows RowStore, profiles ProfileStore, logger ectologger.Logger, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Engine{
		jobs:      jobs,
		rows:      rows,
		profiles:  profiles,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Stage writes one parsed batch into staging. The first batch pins the
// layout's current mapping profile version on the job so later batches and
// re-stages read the same field map even if the profile is revised meanwhile.
// Replayed rows (same job and row index) are absorbed without effect.
func (e *Engine) Stage(ctx context.Context, jobID string, req models.StageRowsRequest) (*Report, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Engine.Stage")
	defer span.End()

	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case models.ImportJobStatusUploaded, models.ImportJobStatusPreviewed, models.ImportJobStatusStaged:
	default:
		return nil, enginerr.Newf(enginerr.KindStaleJobState, "import job %s cannot accept rows in status %s", jobID, job.Status).
			WithMeta("job_id", jobID).
			WithMeta("status", string(job.Status))
	}

	profile, err := e.resolveProfile(ctx, job)
	if err != nil {
		return nil, err
	}

	staged := make([]*models.StageRow, 0, len(req.Rows))
	for _, input := range req.Rows {
		row, err := e.buildRow(job, profile, input)
		if err != nil {
			return nil, err
		}
		staged = append(staged, row)
	}

	inserted := 0
	for start := 0; start < len(staged); start += e.batchSize {
		end := min(start+e.batchSize, len(staged))
		n, err := e.rows.InsertBatch(ctx, staged[start:end])
		if err != nil {
			return nil, err
		}
		inserted += n
	}

	if job.Status != models.ImportJobStatusStaged {
		if err := e.jobs.TransitionStatus(ctx, jobID, job.Status, models.ImportJobStatusStaged); err != nil {
			return nil, err
		}
	}

	for _, row := range staged {
		metrics.RowsStagedTotal.WithLabelValues(row.Area, string(row.Status)).Inc()
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":   jobID,
		"received": len(req.Rows),
		"inserted": inserted,
	}).Info("Staged import rows")

	return &Report{
		JobID:      jobID,
		Received:   len(req.Rows),
		Inserted:   inserted,
		Replayed:   len(req.Rows) - inserted,
		ProfileID:  profile.ID,
		ProfileVer: profile.Version,
	}, nil
}

func (e *Engine) resolveProfile(ctx context.Context, job *models.ImportJob) (*models.MappingProfile, error) {
	if job.MappingProfileID != nil {
		return e.profiles.GetByID(ctx, *job.MappingProfileID)
	}

	head, err := e.profiles.GetHead(ctx, job.LayoutKey)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, enginerr.Newf(enginerr.KindValidation, "no mapping profile exists for layout %s", job.LayoutKey).
			WithMeta("job_id", job.ID).
			WithMeta("layout_key", job.LayoutKey)
	}

	if err := e.jobs.SetMappingProfile(ctx, job.ID, head.ID); err != nil {
		return nil, err
	}
	job.MappingProfileID = &head.ID
	return head, nil
}

// buildRow splits one raw record into mapped catalog fields and the unmapped
// leftover bag. The raw record is stored untouched either way.
func (e *Engine) buildRow(job *models.ImportJob, profile *models.MappingProfile, input models.StageRowInput) (*models.StageRow, error) {
	area, err := areas.Parse(input.Area)
	if err != nil {
		return nil, enginerr.Newf(enginerr.KindValidation, "row %d targets unknown area %q", input.RowIndex, input.Area).
			WithMeta("job_id", job.ID).
			WithMeta("row_index", input.RowIndex)
	}

	mapped := map[string]any{}
	var unmapped models.RawRecord
	for _, field := range input.Fields {
		target, ok := profile.TargetFor(field.Key)
		if !ok || target == "" {
			unmapped = append(unmapped, field)
			continue
		}
		mapped[target] = strings.TrimSpace(field.Value)
	}

	row := &models.StageRow{
		ID:       uuid.New().String(),
		JobID:    job.ID,
		Area:     string(area),
		RowIndex: input.RowIndex,
		LineNo:   input.LineNo,
		Raw:      input.Fields,
		Unmapped: unmapped,
		Status:   models.StageRowStatusReady,
	}

	if name, ok := mapped["name"].(string); ok && name != "" {
		row.NaturalKey = normalizers.NaturalKey(name)
	} else {
		row.Status = models.StageRowStatusError
		row.Issues = append(row.Issues, "missing required field: name")
	}

	if raw, err := json.Marshal(mapped); err == nil {
		row.Mapped = raw
	}

	row.CreatedAt = time.Now().UTC()
	return row, nil
}
