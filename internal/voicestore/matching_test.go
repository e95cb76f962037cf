// Copyright 2025 James Ross
package voicestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	vectors map[string][]float64
}

func (e *fakeEmbedder) Embed(refWav string) ([]float64, error) {
	if v, ok := e.vectors[refWav]; ok {
		return v, nil
	}
	return []float64{0, 0, 0}, nil
}

func TestCosineSimilarityIdenticalVectors(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
}

func TestCosineSimilarityOrthogonalVectors(t *testing.T) {
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
}

func TestMatchOrCreateCreatesFreshSlugWhenNoCharactersExist(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "store"))
	wav := filepath.Join(dir, "new.wav")
	require.NoError(t, os.WriteFile(wav, []byte("x"), 0o644))

	embedder := &fakeEmbedder{vectors: map[string][]float64{wav: {1, 0, 0}}}
	res, err := s.MatchOrCreateCharacter("series", wav, embedder, 0.85)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "speaker-01", res.CharacterSlug)
}

func TestMatchOrCreateMatchesAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "store"))
	existingWav := filepath.Join(dir, "existing.wav")
	require.NoError(t, os.WriteFile(existingWav, []byte("x"), 0o644))

	canonical, err := s.SaveCharacterRef("series", "alice", existingWav, "job-1", nil)
	require.NoError(t, err)

	newWav := filepath.Join(dir, "new.wav")
	require.NoError(t, os.WriteFile(newWav, []byte("y"), 0o644))

	embedder := &fakeEmbedder{vectors: map[string][]float64{
		canonical: {1, 0, 0},
		newWav:    {0.99, 0.01, 0},
	}}
	res, err := s.MatchOrCreateCharacter("series", newWav, embedder, 0.9)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "alice", res.CharacterSlug)
}

func TestMatchOrCreateFallsBackToNewSlugBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "store"))
	existingWav := filepath.Join(dir, "existing.wav")
	require.NoError(t, os.WriteFile(existingWav, []byte("x"), 0o644))

	canonical, err := s.SaveCharacterRef("series", "alice", existingWav, "job-1", nil)
	require.NoError(t, err)

	newWav := filepath.Join(dir, "new.wav")
	require.NoError(t, os.WriteFile(newWav, []byte("y"), 0o644))

	embedder := &fakeEmbedder{vectors: map[string][]float64{
		canonical: {1, 0, 0},
		newWav:    {0, 1, 0},
	}}
	res, err := s.MatchOrCreateCharacter("series", newWav, embedder, 0.9)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "speaker-01", res.CharacterSlug)
}
