// Copyright 2025 James Ross
package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
)

func TestValidateJobSubmitAccepts(t *testing.T) {
	v := New()
	err := v.Validate(SchemaJobSubmit, []byte(`{
		"video_path": "/in/a.mp4",
		"mode": "medium",
		"src_lang": "en",
		"tgt_lang": "ja"
	}`))
	assert.NoError(t, err)
}

func TestValidateJobSubmitRejectsBadMode(t *testing.T) {
	v := New()
	err := v.Validate(SchemaJobSubmit, []byte(`{
		"video_path": "/in/a.mp4",
		"mode": "ultra",
		"src_lang": "en",
		"tgt_lang": "ja"
	}`))
	require.Error(t, err)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindValidation, appErr.Kind)
}

func TestValidateJobSubmitRejectsMissingRequiredField(t *testing.T) {
	v := New()
	err := v.Validate(SchemaJobSubmit, []byte(`{"mode": "medium"}`))
	assert.Error(t, err)
}

func TestValidateUploadInitAccepts(t *testing.T) {
	v := New()
	err := v.Validate(SchemaUploadInit, []byte(`{"filename": "a.mp4", "total_bytes": 1024}`))
	assert.NoError(t, err)
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	v := New()
	err := v.Validate(SchemaJobSubmit, []byte(`{not json`))
	assert.Error(t, err)
}

func TestValidateUnknownSchemaNameErrors(t *testing.T) {
	v := New()
	err := v.Validate("does-not-exist", []byte(`{}`))
	assert.Error(t, err)
}

func TestValidateQuotaUpdateAcceptsEmptyBody(t *testing.T) {
	v := New()
	err := v.Validate(SchemaQuotaUpdate, []byte(`{}`))
	assert.NoError(t, err)
}

func TestValidateVoiceRefRejectsMissingCharacterSlug(t *testing.T) {
	v := New()
	err := v.Validate(SchemaVoiceRef, []byte(`{"series_slug": "s", "ref_path": "/x.wav"}`))
	assert.Error(t, err)
}
