// Copyright 2025 James Ross
package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerifyAPIKey(t *testing.T) {
	gen, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEmpty(t, gen.Prefix)
	assert.NotEmpty(t, gen.Hash)

	prefix, secret, ok := ParseAPIKey(gen.Full)
	require.True(t, ok)
	assert.Equal(t, gen.Prefix, prefix)
	assert.True(t, VerifyAPIKeySecret(gen.Hash, secret))
	assert.False(t, VerifyAPIKeySecret(gen.Hash, "wrong-secret"))
}

func TestParseAPIKeyRejectsNonAPIKeyShapedValues(t *testing.T) {
	_, _, ok := ParseAPIKey("eyJhbGciOiJIUzI1NiJ9.notanapikey")
	assert.False(t, ok)

	_, _, ok = ParseAPIKey(APIKeyScheme + "noseparator")
	assert.False(t, ok)
}
