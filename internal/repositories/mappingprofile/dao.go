package mappingprofile

import (
	"database/sql"
	"encoding/json"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

const mappingProfileTable = "mapping_profiles"

var mappingProfileStruct = database.NewStruct(new(MappingProfileRow))

// MappingProfileRow is the mapping_profiles persistence shape.
type MappingProfileRow struct {
	ID              string                            `db:"id"`
	LayoutKey       string                            `db:"layout_key"`
	FileFormat      string                            `db:"file_format"`
	HeaderSignature string                            `db:"header_signature"`
	Version         int                               `db:"version"`
	FieldMap        database.JSONB[map[string]string] `db:"field_map"`
	ParserOptions   database.JSONB[map[string]any]    `db:"parser_options"`
	ContentHash     string                            `db:"content_hash"`
	CreatedBy       string                            `db:"created_by"`
	CreatedAt       sql.NullTime                      `db:"created_at"`
	SupersededAt    sql.NullTime                      `db:"superseded_at"`
}

func FromMappingProfile(profile *models.MappingProfile) *MappingProfileRow {
	row := &MappingProfileRow{
		ID:              profile.ID,
		LayoutKey:       profile.LayoutKey,
		FileFormat:      profile.FileFormat,
		HeaderSignature: profile.HeaderSignature,
		Version:         profile.Version,
		FieldMap:        database.JSONB[map[string]string]{Data: profile.FieldMap},
		ContentHash:     profile.ContentHash,
		CreatedBy:       profile.CreatedBy,
		CreatedAt:       sql.NullTime{Time: profile.CreatedAt, Valid: !profile.CreatedAt.IsZero()},
	}
	if len(profile.ParserOptions) > 0 {
		var opts map[string]any
		if err := json.Unmarshal(profile.ParserOptions, &opts); err == nil {
			row.ParserOptions = database.JSONB[map[string]any]{Data: opts}
		}
	}
	if profile.SupersededAt != nil {
		row.SupersededAt = sql.NullTime{Time: *profile.SupersededAt, Valid: true}
	}
	return row
}

func (row *MappingProfileRow) ToMappingProfile() *models.MappingProfile {
	profile := &models.MappingProfile{
		ID:              row.ID,
		LayoutKey:       row.LayoutKey,
		FileFormat:      row.FileFormat,
		HeaderSignature: row.HeaderSignature,
		Version:         row.Version,
		FieldMap:        row.FieldMap.Data,
		ContentHash:     row.ContentHash,
		CreatedBy:       row.CreatedBy,
		CreatedAt:       row.CreatedAt.Time,
	}
	if row.ParserOptions.Data != nil {
		if raw, err := json.Marshal(row.ParserOptions.Data); err == nil {
			profile.ParserOptions = raw
		}
	}
	if row.SupersededAt.Valid {
		t := row.SupersededAt.Time
		profile.SupersededAt = &t
	}
	return profile
}
