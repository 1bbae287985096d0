package models

import (
	"encoding/json"
	"time"
)

// EntityChangeAction is what happened to an entity.
type EntityChangeAction string

const (
	EntityChangeActionCreate       EntityChangeAction = "create"
	EntityChangeActionMerge        EntityChangeAction = "merge"
	EntityChangeActionArchive      EntityChangeAction = "archive"
	EntityChangeActionRewire       EntityChangeAction = "rewire"
	EntityChangeActionOptionMinted EntityChangeAction = "option_minted"
)

// EntityChange is one audit log line. Every apply and merge mutation writes
// one, linking the entity back to the job row or merge event that caused it.
type EntityChange struct {
	ID           string             `json:"id" db:"id"`
	Area         string             `json:"area" db:"area"`
	EntityID     string             `json:"entity_id" db:"entity_id"`
	Action       EntityChangeAction `json:"action" db:"action"`
	JobID        *string            `json:"job_id,omitempty" db:"job_id"`
	RowIndex     *int               `json:"row_index,omitempty" db:"row_index"`
	MergeEventID *string            `json:"merge_event_id,omitempty" db:"merge_event_id"`
	Before       json.RawMessage    `json:"before,omitempty" db:"before"`
	After        json.RawMessage    `json:"after,omitempty" db:"after"`
	PerformedBy  string             `json:"performed_by" db:"performed_by"`
	PerformedAt  time.Time          `json:"performed_at" db:"performed_at"`
}
