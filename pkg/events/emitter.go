// Package events handles event emission for catalog lifecycle changes
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/appcontext"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Publisher is the transport the emitter writes through.
type Publisher interface {
	Publish(ctx context.Context, event *kafka.CatalogEvent) error
	PublishBatch(ctx context.Context, events []*kafka.CatalogEvent) error
}

// Emitter publishes catalog lifecycle events. Emission failures are logged
// and swallowed; the durable write already committed and the stream is a
// best-effort side channel.
type Emitter struct {
	producer Publisher
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitJobStatusChanged emits a job lifecycle transition.
func (e *Emitter) EmitJobStatusChanged(ctx context.Context, job *models.ImportJob) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitJobStatusChanged")
	defer span.End()

	if e.producer == nil {
		return
	}

	data, _ := json.Marshal(map[string]any{
		"schema_version": SchemaVersion,
		"status":         job.Status,
		"source_system":  job.SourceSystem,
		"file_name":      job.FileName,
	})

	event := &kafka.CatalogEvent{
		EventType: "import_job." + string(job.Status),
		JobID:     job.ID,
		Data:      data,
		ActorID:   appcontext.GetActorID(ctx),
	}

	if err := e.producer.Publish(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit job status event")
	}
}

// EmitEntityApplied emits a created or merged entity out of an apply run.
func (e *Emitter) EmitEntityApplied(ctx context.Context, area string, entityID string, jobID string, action models.DecisionAction) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntityApplied")
	defer span.End()

	if e.producer == nil {
		return
	}

	event := &kafka.CatalogEvent{
		EventType: "entity." + string(action) + "d",
		Area:      area,
		EntityID:  entityID,
		JobID:     jobID,
		ActorID:   appcontext.GetActorID(ctx),
	}

	if err := e.producer.Publish(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit entity applied event")
	}
}

// EmitVendorMerged emits the outcome of an executed vendor merge.
func (e *Emitter) EmitVendorMerged(ctx context.Context, result *models.MergeResult) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitVendorMerged")
	defer span.End()

	if e.producer == nil {
		return
	}

	data, _ := json.Marshal(map[string]any{
		"schema_version":      SchemaVersion,
		"absorbed_vendor_ids": result.AbsorbedVendorIDs,
		"rewired_references":  result.RewiredReferences,
		"folded_records":      result.FoldedRecords,
	})

	event := &kafka.CatalogEvent{
		EventType: "vendor.merged",
		Area:      "vendor",
		EntityID:  result.SurvivorVendorID,
		MergeID:   result.Event.ID,
		Data:      data,
		ActorID:   appcontext.GetActorID(ctx),
	}

	if err := e.producer.Publish(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit vendor merged event")
	}
}

// EmitOptionMinted emits a governance approval that minted a lookup option.
func (e *Emitter) EmitOptionMinted(ctx context.Context, option *models.LookupOption, candidate *models.LookupCandidate) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitOptionMinted")
	defer span.End()

	if e.producer == nil {
		return
	}

	data, _ := json.Marshal(map[string]any{
		"schema_version": SchemaVersion,
		"type_key":       option.TypeKey,
		"code":           option.Code,
		"label":          option.Label,
		"raw_value":      candidate.RawValue,
	})

	event := &kafka.CatalogEvent{
		EventType: "lookup_option.minted",
		EntityID:  option.ID,
		JobID:     candidate.JobID,
		Data:      data,
		ActorID:   appcontext.GetActorID(ctx),
	}

	if err := e.producer.Publish(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit option minted event")
	}
}
