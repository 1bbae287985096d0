// Package decision resolves every staged row of a job to a verdict: create a
// new catalog record, merge into an existing one, skip an exact duplicate,
// or block until governance clears.
package decision

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/areas"
	"github.com/Ramsey-B/fern/pkg/enginerr"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// JobStore is the import job persistence the engine needs.
type JobStore interface {
	GetByID(ctx context.Context, id string) (*models.ImportJob, error)
}

// RowStore is the stage row persistence the engine needs.
type RowStore interface {
	ListByJob(ctx context.Context, jobID string) ([]models.StageRow, error)
	SetDecision(ctx context.Context, id string, action models.DecisionAction, targetID *string, detail []byte) error
	UpdateValidation(ctx context.Context, id string, status models.StageRowStatus, issues []string) error
}

// VendorFinder resolves vendors by natural key.
type VendorFinder interface {
	FindByNaturalKey(ctx context.Context, normalizedName string) ([]models.Vendor, error)
}

// RecordFinder resolves child-area records by natural key.
type RecordFinder interface {
	FindByNaturalKeyGlobal(ctx context.Context, area areas.Area, normalizedName string) ([]models.CatalogRecord, error)
}

// Report summarizes a decision run.
type Report struct {
	JobID   string `json:"job_id"`
	Create  int    `json:"create"`
	Merge   int    `json:"merge"`
	Skip    int    `json:"skip"`
	Review  int    `json:"review"`
	Blocked int    `json:"blocked"`
}

// Engine is the decision resolver.
type Engine struct {
	jobs    JobStore
	rows    RowStore
	vendors VendorFinder
	records RecordFinder
	logger  ectologger.Logger
}

// NewEngine creates a decision engine
func NewEngine(jobs JobStore, rows RowStore, vendors VendorFinder, records RecordFinder, logger ectologger.Logger) *Engine {
	return &Engine{
		jobs:    jobs,
		rows:    rows,
		vendors: vendors,
		records: records,
		logger:  logger,
	}
}

// seenRow tracks the first in-job occurrence of a natural key.
type seenRow struct {
	rowIndex    int
	fingerprint string
}

// Decide resolves every staged row of the job, in source order. Catalog
// matching always compares normalized natural keys; when several catalog
// records match, the most recently updated wins and ties break on the
// lexically smallest id (the repositories order results that way).
//
// Within a job, the first row of a natural key owns it: a later row with the
// same key and an identical normalized payload is skipped, and one with a
// differing payload merges into whatever the first row produces at apply.
func (e *Engine) Decide(ctx context.Context, jobID string) (*Report, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Engine.Decide")
	defer span.End()

	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.ImportJobStatusStaged {
		return nil, enginerr.Newf(enginerr.KindStaleJobState, "import job %s cannot be decided in status %s", jobID, job.Status).
			WithMeta("job_id", jobID).
			WithMeta("status", string(job.Status))
	}

	rows, err := e.rows.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	report := &Report{JobID: jobID}
	seen := map[string]map[string]seenRow{} // area -> natural key -> first row
	stagedKeys := e.collectStagedKeys(rows)

	for i := range rows {
		row := &rows[i]

		switch row.Status {
		case models.StageRowStatusError:
			report.Skip++
			if err := e.setDecision(ctx, row, models.DecisionActionSkip, nil, models.DecisionDetailPayload{Reason: "row failed validation"}); err != nil {
				return nil, err
			}
			continue
		case models.StageRowStatusReview:
			// awaiting governance; the row keeps its status and issues so
			// the steward queue stays distinguishable from dependency blocks
			report.Review++
			continue
		case models.StageRowStatusBlocked:
			report.Blocked++
			continue
		}

		fp := rowFingerprint(row)

		if first, ok := seen[row.Area][row.NaturalKey]; ok {
			if first.fingerprint == fp {
				report.Skip++
				idx := first.rowIndex
				err = e.setDecision(ctx, row, models.DecisionActionSkip, nil, models.DecisionDetailPayload{
					Reason:          "duplicate of earlier row in this job",
					SameJobRowIndex: &idx,
					Fingerprint:     fp,
				})
			} else {
				report.Merge++
				idx := first.rowIndex
				err = e.setDecision(ctx, row, models.DecisionActionMerge, nil, models.DecisionDetailPayload{
					Reason:          "revises earlier row in this job",
					SameJobRowIndex: &idx,
					Fingerprint:     fp,
				})
			}
			if err != nil {
				return nil, err
			}
			continue
		}

		verdict, err := e.resolveAgainstCatalog(ctx, row, stagedKeys)
		if err != nil {
			return nil, err
		}

		switch verdict.action {
		case models.DecisionActionCreate:
			report.Create++
		case models.DecisionActionMerge:
			report.Merge++
		case "":
			report.Blocked++
			if err := e.rows.UpdateValidation(ctx, row.ID, models.StageRowStatusBlocked, append(row.Issues, verdict.detail.Reason)); err != nil {
				return nil, err
			}
			continue
		}

		verdict.detail.Fingerprint = fp
		if err := e.setDecision(ctx, row, verdict.action, verdict.targetID, verdict.detail); err != nil {
			return nil, err
		}

		if seen[row.Area] == nil {
			seen[row.Area] = map[string]seenRow{}
		}
		seen[row.Area][row.NaturalKey] = seenRow{rowIndex: row.RowIndex, fingerprint: fp}
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":  jobID,
		"create":  report.Create,
		"merge":   report.Merge,
		"skip":    report.Skip,
		"review":  report.Review,
		"blocked": report.Blocked,
	}).Info("Resolved stage row decisions")

	return report, nil
}

type verdict struct {
	action   models.DecisionAction
	targetID *string
	detail   models.DecisionDetailPayload
}

// resolveAgainstCatalog matches the row's natural key against canonical
// records. An empty action means the row is blocked.
func (e *Engine) resolveAgainstCatalog(ctx context.Context, row *models.StageRow, stagedKeys map[string]map[string]bool) (*verdict, error) {
	area := areas.Area(row.Area)

	if area == areas.Vendor {
		matches, err := e.vendors.FindByNaturalKey(ctx, row.NaturalKey)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			return &verdict{
				action:   models.DecisionActionMerge,
				targetID: &matches[0].ID,
				detail:   models.DecisionDetailPayload{Reason: "matched existing vendor", MatchedKey: row.NaturalKey},
			}, nil
		}
		return &verdict{
			action: models.DecisionActionCreate,
			detail: models.DecisionDetailPayload{Reason: "no vendor matches natural key", MatchedKey: row.NaturalKey},
		}, nil
	}

	// child rows need a reachable parent: either already in the catalog or
	// staged earlier in this same job
	parentArea, _ := areas.Parent(area)
	parentKey := parentNaturalKey(row)
	if parentKey == "" {
		return &verdict{detail: models.DecisionDetailPayload{Reason: "missing parent reference"}}, nil
	}

	parentInCatalog, err := e.parentExists(ctx, parentArea, parentKey)
	if err != nil {
		return nil, err
	}
	parentInJob := stagedKeys[string(parentArea)][parentKey]
	if !parentInCatalog && !parentInJob {
		return &verdict{detail: models.DecisionDetailPayload{Reason: "unknown parent: " + parentKey}}, nil
	}

	matches, err := e.records.FindByNaturalKeyGlobal(ctx, area, row.NaturalKey)
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		return &verdict{
			action:   models.DecisionActionMerge,
			targetID: &matches[0].ID,
			detail:   models.DecisionDetailPayload{Reason: "matched existing record", MatchedKey: row.NaturalKey},
		}, nil
	}
	return &verdict{
		action: models.DecisionActionCreate,
		detail: models.DecisionDetailPayload{Reason: "no record matches natural key", MatchedKey: row.NaturalKey},
	}, nil
}

func (e *Engine) parentExists(ctx context.Context, parentArea areas.Area, parentKey string) (bool, error) {
	if parentArea == areas.Vendor {
		matches, err := e.vendors.FindByNaturalKey(ctx, parentKey)
		if err != nil {
			return false, err
		}
		return len(matches) > 0, nil
	}
	matches, err := e.records.FindByNaturalKeyGlobal(ctx, parentArea, parentKey)
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

func (e *Engine) setDecision(ctx context.Context, row *models.StageRow, action models.DecisionAction, targetID *string, detail models.DecisionDetailPayload) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	if err := e.rows.SetDecision(ctx, row.ID, action, targetID, raw); err != nil {
		return err
	}
	metrics.RecordDecision(row.Area, string(action))
	return nil
}

// collectStagedKeys indexes the job's clean rows by (area, natural key) so
// child rows can see parents staged in the same file.
func (e *Engine) collectStagedKeys(rows []models.StageRow) map[string]map[string]bool {
	out := map[string]map[string]bool{}
	for i := range rows {
		row := &rows[i]
		if row.Status == models.StageRowStatusError || row.NaturalKey == "" {
			continue
		}
		if out[row.Area] == nil {
			out[row.Area] = map[string]bool{}
		}
		out[row.Area][row.NaturalKey] = true
	}
	return out
}

// rowFingerprint hashes the row's normalized raw payload. Two rows that
// differ only in whitespace or casing hash the same.
func rowFingerprint(row *models.StageRow) string {
	pairs := make([][2]string, len(row.Raw))
	for i, f := range row.Raw {
		pairs[i] = [2]string{f.Key, f.Value}
	}
	return fingerprint.GenerateFromPairs(pairs, normalizers.LookupValue)
}

// parentNaturalKey extracts the mapped parent reference of a child row.
func parentNaturalKey(row *models.StageRow) string {
	var mapped map[string]any
	if len(row.Mapped) == 0 {
		return ""
	}
	if err := json.Unmarshal(row.Mapped, &mapped); err != nil {
		return ""
	}
	if name, ok := mapped["parent_name"].(string); ok && name != "" {
		return normalizers.NaturalKey(name)
	}
	return ""
}
