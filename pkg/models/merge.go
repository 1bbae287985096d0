package models

import (
	"encoding/json"
	"time"
)

// MergeEventStatus is the lifecycle state of a merge event.
type MergeEventStatus string

const (
	MergeEventStatusPreviewed MergeEventStatus = "previewed"
	MergeEventStatusDecided   MergeEventStatus = "decided"
	MergeEventStatusExecuted  MergeEventStatus = "executed"
	MergeEventStatusFailed    MergeEventStatus = "failed"
)

// MergeMethodManual marks a merge initiated by a steward; suggested merges
// carry the matcher's confidence score alongside.
const (
	MergeMethodManual    = "manual"
	MergeMethodSuggested = "suggested"
)

// MergeMemberRole marks a vendor's role inside a merge event.
type MergeMemberRole string

const (
	MergeMemberRoleSurvivor MergeMemberRole = "survivor"
	MergeMemberRoleAbsorbed MergeMemberRole = "absorbed"
)

// MergeEvent is the durable record of one vendor merge. The ID is supplied
// by the caller so a retried execute of the same event is detected and
// rejected instead of run twice.
type MergeEvent struct {
	ID               string           `json:"id" db:"id"`
	SurvivorVendorID string           `json:"survivor_vendor_id" db:"survivor_vendor_id"`
	Status           MergeEventStatus `json:"status" db:"status"`
	Method           string           `json:"method" db:"method"`
	Confidence       *float64         `json:"confidence,omitempty" db:"confidence"`
	Reason           *string          `json:"reason,omitempty" db:"reason"`
	ExecutedBy       string           `json:"executed_by" db:"executed_by"`
	ExecutedAt       time.Time        `json:"executed_at" db:"executed_at"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
}

// MergeMember links one vendor to a merge event.
type MergeMember struct {
	ID         string          `json:"id" db:"id"`
	MergeID    string          `json:"merge_id" db:"merge_id"`
	VendorID   string          `json:"vendor_id" db:"vendor_id"`
	Role       MergeMemberRole `json:"role" db:"role"`
	SnapshotID string          `json:"snapshot_id" db:"snapshot_id"`
}

// MergeSnapshot is a vendor's full pre-merge state, captured before any
// field is overwritten or any reference rewired.
type MergeSnapshot struct {
	ID         string          `json:"id" db:"id"`
	MergeID    string          `json:"merge_id" db:"merge_id"`
	VendorID   string          `json:"vendor_id" db:"vendor_id"`
	State      json.RawMessage `json:"state" db:"state"`
	CapturedAt time.Time       `json:"captured_at" db:"captured_at"`
}

// SurvivorshipDecision records which member's value won a conflicting field.
type SurvivorshipDecision struct {
	ID             string          `json:"id" db:"id"`
	MergeID        string          `json:"merge_id" db:"merge_id"`
	Field          string          `json:"field" db:"field"`
	ChosenVendorID string          `json:"chosen_vendor_id" db:"chosen_vendor_id"`
	ChosenValue    json.RawMessage `json:"chosen_value,omitempty" db:"chosen_value"`
	Rule           string          `json:"rule" db:"rule"`
	DecidedBy      string          `json:"decided_by" db:"decided_by"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// FieldConflictValue is one member's value for a conflicting scalar field.
type FieldConflictValue struct {
	VendorID string `json:"vendor_id"`
	Value    any    `json:"value"`
}

// FieldConflict is a scalar field where merge members disagree.
type FieldConflict struct {
	Field  string               `json:"field"`
	Values []FieldConflictValue `json:"values"`
}

// CollisionItem is one colliding child record.
type CollisionItem struct {
	VendorID string `json:"vendor_id"`
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
}

// CollectionCollision is a same-named child record present under more than
// one merge member: two offerings called "Support", contacts sharing a name.
type CollectionCollision struct {
	Area           string          `json:"area"`
	NormalizedName string          `json:"normalized_name"`
	Items          []CollisionItem `json:"items"`
}

// MergePreview is the read-only dry run of a merge: what would conflict and
// what would collide. Nothing is written when it is produced.
type MergePreview struct {
	VendorIDs  []string              `json:"vendor_ids"`
	Conflicts  []FieldConflict       `json:"conflicts"`
	Collisions []CollectionCollision `json:"collisions"`
}

// PreviewMergeRequest asks for a merge dry run.
type PreviewMergeRequest struct {
	VendorIDs []string `json:"vendor_ids" validate:"required,min=2,dive,required"`
}

// FieldDecisionInput resolves one field conflict: take VendorID's value.
type FieldDecisionInput struct {
	Field    string `json:"field" validate:"required"`
	VendorID string `json:"vendor_id" validate:"required"`
}

// CollisionDecisionInput resolves one collection collision. "fold" keeps
// KeepEntityID and archives the rest of the group; "keep_all" re-parents
// every colliding record to the survivor untouched.
type CollisionDecisionInput struct {
	Area           string `json:"area" validate:"required"`
	NormalizedName string `json:"normalized_name" validate:"required"`
	Action         string `json:"action" validate:"required,oneof=fold keep_all"`
	KeepEntityID   string `json:"keep_entity_id,omitempty"`
}

// ExecuteMergeRequest runs a merge. EventID is the caller's idempotency key;
// replaying an already-executed event is rejected.
type ExecuteMergeRequest struct {
	EventID            string                   `json:"event_id" validate:"required,uuid4"`
	VendorIDs          []string                 `json:"vendor_ids" validate:"required,min=2,dive,required"`
	SurvivorID         string                   `json:"survivor_id" validate:"required"`
	Method             string                   `json:"method,omitempty" validate:"omitempty,oneof=manual suggested"`
	Confidence         *float64                 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Reason             string                   `json:"reason,omitempty"`
	FieldDecisions     []FieldDecisionInput     `json:"field_decisions,omitempty" validate:"dive"`
	CollisionDecisions []CollisionDecisionInput `json:"collision_decisions,omitempty" validate:"dive"`
}

// MergeResult is the outcome of an executed merge.
type MergeResult struct {
	Event             MergeEvent `json:"event"`
	SurvivorVendorID  string     `json:"survivor_vendor_id"`
	AbsorbedVendorIDs []string   `json:"absorbed_vendor_ids"`
	RewiredReferences int        `json:"rewired_references"`
	FoldedRecords     int        `json:"folded_records"`
}
