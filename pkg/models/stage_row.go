package models

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// StageRowStatus is the validation state of a staged row.
type StageRowStatus string

const (
	StageRowStatusReady   StageRowStatus = "ready"
	StageRowStatusReview  StageRowStatus = "review"
	StageRowStatusError   StageRowStatus = "error"
	StageRowStatusBlocked StageRowStatus = "blocked"
)

// DecisionAction is the resolver's verdict for a staged row.
type DecisionAction string

const (
	DecisionActionCreate DecisionAction = "create"
	DecisionActionMerge  DecisionAction = "merge"
	DecisionActionSkip   DecisionAction = "skip"
)

// RawField is one source column as the parser delivered it, before any
// mapping or normalization. Values are kept byte-for-byte.
type RawField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RawRecord is an ordered field bag. Column order is part of the payload and
// survives staging and export unchanged.
type RawRecord []RawField

// Get returns the first value stored under key.
func (r RawRecord) Get(key string) (string, bool) {
	for _, f := range r {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// MarshalJSON renders the record as a JSON object preserving field order.
func (r RawRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object back into an ordered record. json.Decoder
// token order follows the document, so round-trips are lossless.
func (r *RawRecord) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*r = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("raw record must be a JSON object")
	}
	out := RawRecord{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return errors.New("raw record key must be a string")
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return errors.Wrapf(err, "raw record value for %q", key)
		}
		out = append(out, RawField{Key: key, Value: value})
	}
	*r = out
	return nil
}

// StageRow is one parsed source row held in staging. Raw keeps the full
// original field bag, Mapped holds profile-translated catalog fields and
// Unmapped holds the leftovers that no mapping rule claimed.
type StageRow struct {
	ID       string `json:"id" db:"id"`
	JobID    string `json:"job_id" db:"job_id"`
	Area     string `json:"area" db:"area"`
	RowIndex int    `json:"row_index" db:"row_index"`
	LineNo   int    `json:"line_no" db:"line_no"`

	Raw      RawRecord       `json:"raw" db:"raw"`
	Mapped   json.RawMessage `json:"mapped" db:"mapped"`
	Unmapped RawRecord       `json:"unmapped" db:"unmapped"`

	NaturalKey string         `json:"natural_key" db:"natural_key"`
	Status     StageRowStatus `json:"status" db:"status"`
	Issues     []string       `json:"issues,omitempty" db:"issues"`

	DecisionAction   DecisionAction  `json:"decision_action,omitempty" db:"decision_action"`
	DecisionTargetID *string         `json:"decision_target_id,omitempty" db:"decision_target_id"`
	DecisionDetail   json.RawMessage `json:"decision_detail,omitempty" db:"decision_detail"`

	AppliedAt       *time.Time `json:"applied_at,omitempty" db:"applied_at"`
	AppliedEntityID *string    `json:"applied_entity_id,omitempty" db:"applied_entity_id"`
	ApplyError      *string    `json:"apply_error,omitempty" db:"apply_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsDecided reports whether the resolver has produced a verdict for the row.
func (r *StageRow) IsDecided() bool {
	return r.DecisionAction != ""
}

// DecisionDetailPayload is the structured body stored in DecisionDetail.
type DecisionDetailPayload struct {
	Reason          string `json:"reason,omitempty"`
	MatchedKey      string `json:"matched_key,omitempty"`
	SameJobRowIndex *int   `json:"same_job_row_index,omitempty"`
	Fingerprint     string `json:"fingerprint,omitempty"`
}

// StageRowInput is one parsed row handed over by the file parser.
type StageRowInput struct {
	Area     string    `json:"area" validate:"required"`
	RowIndex int       `json:"row_index" validate:"gte=0"`
	LineNo   int       `json:"line_no" validate:"gte=0"`
	Fields   RawRecord `json:"fields" validate:"required,min=1"`
}

// StageRowsRequest carries a parsed batch into staging.
type StageRowsRequest struct {
	Rows []StageRowInput `json:"rows" validate:"required,min=1,dive"`
}
