// Copyright 2025 James Ross

// Package validate rejects malformed request bodies before any policy or
// quota check runs, per spec's "earliest correct moment" principle applied
// to input shape. Grounded on the teacher's internal/json-payload-studio
// (ValidateJSON's schemaLoader/documentLoader pair via gojsonschema),
// scaled down from that package's full editor/template/snippet/session
// surface to a fixed set of request schemas this API actually accepts.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
)

// Schema names, one per validated request body.
const (
	SchemaJobSubmit    = "job_submit"
	SchemaUploadInit   = "upload_init"
	SchemaQuotaUpdate  = "quota_update"
	SchemaVoiceRef     = "voice_ref"
)

var schemaSource = map[string]string{
	SchemaJobSubmit: `{
		"type": "object",
		"required": ["video_path", "mode", "src_lang", "tgt_lang"],
		"properties": {
			"video_path":     {"type": "string", "minLength": 1},
			"mode":           {"type": "string", "enum": ["high", "medium", "low"]},
			"device":         {"type": "string", "enum": ["", "auto", "cpu", "cuda"]},
			"src_lang":       {"type": "string", "minLength": 2},
			"tgt_lang":       {"type": "string", "minLength": 2},
			"series_title":   {"type": "string"},
			"series_slug":    {"type": "string"},
			"season_number":  {"type": "integer", "minimum": 0},
			"episode_number": {"type": "integer", "minimum": 0},
			"visibility":     {"type": "string", "enum": ["", "private", "shared", "public"]}
		}
	}`,
	SchemaUploadInit: `{
		"type": "object",
		"required": ["filename", "total_bytes"],
		"properties": {
			"filename":    {"type": "string", "minLength": 1},
			"total_bytes": {"type": "integer", "minimum": 1},
			"mime":        {"type": "string"}
		}
	}`,
	SchemaQuotaUpdate: `{
		"type": "object",
		"properties": {
			"max_upload_bytes":              {"type": "integer", "minimum": 0},
			"max_storage_bytes_per_user":    {"type": "integer", "minimum": 0},
			"jobs_per_day_per_user":         {"type": "integer", "minimum": 0},
			"max_concurrent_jobs_per_user":  {"type": "integer", "minimum": 0},
			"max_queued_jobs_per_user":      {"type": "integer", "minimum": 0},
			"max_processing_minutes_per_day":{"type": "integer", "minimum": 0}
		}
	}`,
	SchemaVoiceRef: `{
		"type": "object",
		"required": ["series_slug", "character_slug", "ref_path"],
		"properties": {
			"series_slug":    {"type": "string", "minLength": 1},
			"character_slug": {"type": "string", "minLength": 1},
			"ref_path":       {"type": "string", "minLength": 1},
			"display_name":   {"type": "string"}
		}
	}`,
}

// Validator compiles each schema once and validates request bodies against
// it by name.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// New compiles the built-in schema set. A compile failure here is a
// programmer error (malformed schema literal), so New panics rather than
// returning an error every caller would have to thread through ignored.
func New() *Validator {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(schemaSource))}
	for name, src := range schemaSource {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			panic(fmt.Sprintf("validate: schema %q failed to compile: %v", name, err))
		}
		v.schemas[name] = schema
	}
	return v
}

// Validate checks body against the named schema, returning an
// apperr.KindValidation error describing every violation found.
func (v *Validator) Validate(schemaName string, body []byte) error {
	schema, ok := v.schemas[schemaName]
	if !ok {
		return apperr.Validation(fmt.Sprintf("unknown validation schema %q", schemaName))
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return apperr.Wrap(apperr.KindValidation, "malformed json body", err)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "schema evaluation failed", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return apperr.Validation(strings.Join(msgs, "; "))
}
