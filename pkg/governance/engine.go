// Package governance enforces the governed-lookup gate: staged values on
// governed dimensions must resolve to approved options before a job can be
// decided, and unknown values queue for steward review instead of silently
// minting catalog vocabulary.
package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/enginerr"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// RowStore is the stage row persistence the engine needs.
type RowStore interface {
	ListByJob(ctx context.Context, jobID string) ([]models.StageRow, error)
	UpdateValidation(ctx context.Context, id string, status models.StageRowStatus, issues []string) error
}

// LookupStore is the lookup persistence the engine needs.
type LookupStore interface {
	ListTypes(ctx context.Context) ([]models.LookupType, error)
	FindOption(ctx context.Context, typeKey, value string) (*models.LookupOption, error)
	CreateOption(ctx context.Context, typeKey, code, label, createdBy string) (*models.LookupOption, error)
	UpsertCandidate(ctx context.Context, jobID, typeKey, rawValue string, rowIndex int) error
	GetCandidate(ctx context.Context, id string) (*models.LookupCandidate, error)
	ListCandidatesByJob(ctx context.Context, jobID string, status models.LookupCandidateStatus) ([]models.LookupCandidate, error)
	CountPending(ctx context.Context, jobID string) (int, error)
	MarkReviewed(ctx context.Context, id string, status models.LookupCandidateStatus, reviewedBy, note string, mintedOptionID *string) error
}

// Engine runs validation and steward review for governed values.
type Engine struct {
	rows    RowStore
	lookups LookupStore
	emitter *events.Emitter
	logger  ectologger.Logger
}

// NewEngine creates a governance engine
func NewEngine(rows RowStore, lookups LookupStore, emitter *events.Emitter, logger ectologger.Logger) *Engine {
	return &Engine{
		rows:    rows,
		lookups: lookups,
		emitter: emitter,
		logger:  logger,
	}
}

// Validate scans every staged row of a job against the governed dimensions.
// Rows carrying unknown governed values drop to review and the values queue
// as candidates, deduplicated per (job, type, normalized value). Re-running
// after approvals lifts review rows back to ready.
func (e *Engine) Validate(ctx context.Context, jobID string) (*models.GovernanceReport, error) {
	ctx, span := tracing.StartSpan(ctx, "governance.Engine.Validate")
	defer span.End()

	rows, err := e.rows.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	types, err := e.lookups.ListTypes(ctx)
	if err != nil {
		return nil, err
	}

	for i := range rows {
		row := &rows[i]
		if row.Status == models.StageRowStatusError {
			// structurally broken rows keep their error verdict
			continue
		}

		issues, err := e.validateRow(ctx, row, types)
		if err != nil {
			return nil, err
		}

		status := models.StageRowStatusReady
		if len(issues) > 0 {
			status = models.StageRowStatusReview
		}
		if err := e.rows.UpdateValidation(ctx, row.ID, status, issues); err != nil {
			return nil, err
		}
	}

	candidates, err := e.lookups.ListCandidatesByJob(ctx, jobID, models.LookupCandidateStatusPending)
	if err != nil {
		return nil, err
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":        jobID,
		"rows":          len(rows),
		"pending_count": len(candidates),
	}).Info("Validated staged rows against governed lookups")

	return &models.GovernanceReport{
		JobID:        jobID,
		PendingCount: len(candidates),
		Candidates:   candidates,
	}, nil
}

func (e *Engine) validateRow(ctx context.Context, row *models.StageRow, types []models.LookupType) ([]string, error) {
	var mapped map[string]any
	if len(row.Mapped) > 0 {
		if err := json.Unmarshal(row.Mapped, &mapped); err != nil {
			return []string{"mapped payload is not readable"}, nil
		}
	}

	var issues []string
	for _, lookupType := range types {
		for _, fieldKey := range lookupType.FieldKeys {
			raw, ok := mapped[fieldKey]
			if !ok {
				continue
			}
			value, ok := raw.(string)
			if !ok || value == "" {
				continue
			}

			option, err := e.lookups.FindOption(ctx, lookupType.Key, value)
			if err != nil {
				return nil, err
			}
			if option != nil {
				continue
			}

			if err := e.lookups.UpsertCandidate(ctx, row.JobID, lookupType.Key, value, row.RowIndex); err != nil {
				return nil, err
			}
			issues = append(issues, fmt.Sprintf("unknown %s value: %s", lookupType.Key, value))
		}
	}
	return issues, nil
}

// Gate fails when a job still has unreviewed candidates. The error carries
// the pending list so callers see exactly what blocks the job.
func (e *Engine) Gate(ctx context.Context, jobID string) error {
	ctx, span := tracing.StartSpan(ctx, "governance.Engine.Gate")
	defer span.End()

	pending, err := e.lookups.CountPending(ctx, jobID)
	if err != nil {
		return err
	}
	if pending == 0 {
		return nil
	}

	candidates, err := e.lookups.ListCandidatesByJob(ctx, jobID, models.LookupCandidateStatusPending)
	if err != nil {
		return err
	}

	summaries := make([]map[string]any, len(candidates))
	for i, c := range candidates {
		summaries[i] = map[string]any{
			"id":          c.ID,
			"type_key":    c.TypeKey,
			"raw_value":   c.RawValue,
			"occurrences": c.Occurrences,
		}
	}

	return enginerr.Newf(enginerr.KindPendingGovernance, "import job %s has %d lookup values awaiting review", jobID, pending).
		WithMeta("job_id", jobID).
		WithMeta("pending_count", pending).
		WithMeta("candidates", summaries)
}

// Review records a steward verdict. Approval mints a new active option for
// the dimension; code and label default to the candidate's normalized and
// raw value when the steward does not override them.
func (e *Engine) Review(ctx context.Context, candidateID string, req models.ReviewCandidateRequest, reviewedBy string) (*models.LookupCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "governance.Engine.Review")
	defer span.End()

	candidate, err := e.lookups.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		return nil, enginerr.Newf(enginerr.KindValidation, "lookup candidate %s does not exist", candidateID)
	}
	if candidate.Status != models.LookupCandidateStatusPending {
		return nil, enginerr.Newf(enginerr.KindStaleJobState, "lookup candidate %s was already reviewed as %s", candidateID, candidate.Status).
			WithMeta("candidate_id", candidateID)
	}

	status := models.LookupCandidateStatus(req.Decision)
	if status == models.LookupCandidateStatusRejected && strings.TrimSpace(req.Note) == "" {
		return nil, enginerr.New(enginerr.KindValidation, "rejecting a candidate requires a review note")
	}
	var mintedID *string

	if status == models.LookupCandidateStatusApproved {
		code := req.Code
		if code == "" {
			code = candidate.NormalizedValue
		}
		label := req.Label
		if label == "" {
			label = candidate.RawValue
		}

		option, err := e.lookups.CreateOption(ctx, candidate.TypeKey, code, label, reviewedBy)
		if err != nil {
			return nil, err
		}
		mintedID = &option.ID

		if e.emitter != nil {
			e.emitter.EmitOptionMinted(ctx, option, candidate)
		}
	}

	if err := e.lookups.MarkReviewed(ctx, candidateID, status, reviewedBy, req.Note, mintedID); err != nil {
		return nil, err
	}
	metrics.GovernanceCandidatesTotal.WithLabelValues(candidate.TypeKey, string(status)).Inc()

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"candidate_id": candidateID,
		"type_key":     candidate.TypeKey,
		"decision":     status,
		"reviewed_by":  reviewedBy,
	}).Info("Lookup candidate reviewed")

	return e.lookups.GetCandidate(ctx, candidateID)
}
