package models

import (
	"encoding/json"
	"time"
)

// MappingProfile translates one source file layout into catalog fields.
// Profiles are versioned per layout key; the newest version wins and older
// versions stay readable for jobs that staged under them.
type MappingProfile struct {
	ID              string            `json:"id" db:"id"`
	LayoutKey       string            `json:"layout_key" db:"layout_key"`
	FileFormat      string            `json:"file_format" db:"file_format"`
	HeaderSignature string            `json:"header_signature" db:"header_signature"`
	Version         int               `json:"version" db:"version"`
	FieldMap        map[string]string `json:"field_map" db:"field_map"`
	ParserOptions   json.RawMessage   `json:"parser_options,omitempty" db:"parser_options"`
	ContentHash     string            `json:"content_hash" db:"content_hash"`
	CreatedBy       string            `json:"created_by" db:"created_by"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	SupersededAt    *time.Time        `json:"superseded_at,omitempty" db:"superseded_at"`
}

// TargetFor returns the catalog field a source column maps to.
func (p *MappingProfile) TargetFor(sourceColumn string) (string, bool) {
	target, ok := p.FieldMap[sourceColumn]
	return target, ok
}

// UpsertMappingProfileRequest creates or revises the profile for a layout.
// BaseVersion is the version the caller edited; a mismatch with the stored
// head means somebody else revised the profile in between.
type UpsertMappingProfileRequest struct {
	FileFormat    string            `json:"file_format" validate:"required"`
	Headers       []string          `json:"headers" validate:"required,min=1"`
	FieldMap      map[string]string `json:"field_map" validate:"required,min=1"`
	ParserOptions map[string]any    `json:"parser_options,omitempty"`
	BaseVersion   int               `json:"base_version" validate:"gte=0"`
}
