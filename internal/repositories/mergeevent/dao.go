package mergeevent

import (
	"database/sql"
	"encoding/json"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	mergeEventTable    = "merge_events"
	mergeMemberTable   = "merge_members"
	mergeSnapshotTable = "merge_snapshots"
	survivorshipTable  = "survivorship_decisions"
)

var (
	mergeEventStruct    = database.NewStruct(new(MergeEventRow))
	mergeMemberStruct   = database.NewStruct(new(MergeMemberRow))
	mergeSnapshotStruct = database.NewStruct(new(MergeSnapshotRow))
	survivorshipStruct  = database.NewStruct(new(SurvivorshipDecisionRow))
)

// MergeEventRow is the merge_events persistence shape.
type MergeEventRow struct {
	ID               string          `db:"id"`
	SurvivorVendorID string          `db:"survivor_vendor_id"`
	Status           string          `db:"status"`
	Method           string          `db:"method"`
	Confidence       sql.NullFloat64 `db:"confidence"`
	Reason           sql.NullString  `db:"reason"`
	ExecutedBy       string          `db:"executed_by"`
	ExecutedAt       sql.NullTime    `db:"executed_at"`
	CreatedAt        sql.NullTime    `db:"created_at"`
}

func (row *MergeEventRow) ToMergeEvent() *models.MergeEvent {
	e := &models.MergeEvent{
		ID:               row.ID,
		SurvivorVendorID: row.SurvivorVendorID,
		Status:           models.MergeEventStatus(row.Status),
		Method:           row.Method,
		ExecutedBy:       row.ExecutedBy,
		ExecutedAt:       row.ExecutedAt.Time,
		CreatedAt:        row.CreatedAt.Time,
	}
	if row.Confidence.Valid {
		e.Confidence = &row.Confidence.Float64
	}
	if row.Reason.Valid {
		e.Reason = &row.Reason.String
	}
	return e
}

// MergeMemberRow is the merge_members persistence shape.
type MergeMemberRow struct {
	ID         string `db:"id"`
	MergeID    string `db:"merge_id"`
	VendorID   string `db:"vendor_id"`
	Role       string `db:"role"`
	SnapshotID string `db:"snapshot_id"`
}

func (row *MergeMemberRow) ToMergeMember() *models.MergeMember {
	return &models.MergeMember{
		ID:         row.ID,
		MergeID:    row.MergeID,
		VendorID:   row.VendorID,
		Role:       models.MergeMemberRole(row.Role),
		SnapshotID: row.SnapshotID,
	}
}

// MergeSnapshotRow is the merge_snapshots persistence shape.
type MergeSnapshotRow struct {
	ID         string                         `db:"id"`
	MergeID    string                         `db:"merge_id"`
	VendorID   string                         `db:"vendor_id"`
	State      database.JSONB[map[string]any] `db:"state"`
	CapturedAt sql.NullTime                   `db:"captured_at"`
}

func (row *MergeSnapshotRow) ToMergeSnapshot() *models.MergeSnapshot {
	s := &models.MergeSnapshot{
		ID:         row.ID,
		MergeID:    row.MergeID,
		VendorID:   row.VendorID,
		CapturedAt: row.CapturedAt.Time,
	}
	if row.State.Data != nil {
		if raw, err := json.Marshal(row.State.Data); err == nil {
			s.State = raw
		}
	}
	return s
}

// SurvivorshipDecisionRow is the survivorship_decisions persistence shape.
type SurvivorshipDecisionRow struct {
	ID             string                         `db:"id"`
	MergeID        string                         `db:"merge_id"`
	Field          string                         `db:"field"`
	ChosenVendorID string                         `db:"chosen_vendor_id"`
	ChosenValue    database.JSONB[any]            `db:"chosen_value"`
	Rule           string                         `db:"rule"`
	DecidedBy      string                         `db:"decided_by"`
	CreatedAt      sql.NullTime                   `db:"created_at"`
}

func (row *SurvivorshipDecisionRow) ToSurvivorshipDecision() *models.SurvivorshipDecision {
	d := &models.SurvivorshipDecision{
		ID:             row.ID,
		MergeID:        row.MergeID,
		Field:          row.Field,
		ChosenVendorID: row.ChosenVendorID,
		Rule:           row.Rule,
		DecidedBy:      row.DecidedBy,
		CreatedAt:      row.CreatedAt.Time,
	}
	if row.ChosenValue.Data != nil {
		if raw, err := json.Marshal(row.ChosenValue.Data); err == nil {
			d.ChosenValue = raw
		}
	}
	return d
}
