// Copyright 2025 James Ross
package voicestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestWav(t *testing.T, dir, name string, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "foo-bar", Slugify("Foo  Bar!!"))
	assert.Equal(t, "a-b", Slugify("A___B"))
	assert.Equal(t, "", Slugify("   "))
}

func TestSaveCharacterRefCreatesCanonicalAndHistory(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "store"))
	wav := writeTestWav(t, dir, "ref.wav", "hello")

	canonical, err := s.SaveCharacterRef("My Series", "Alice", wav, "job-1", map[string]string{
		"display_name": "Alice",
		"created_by":   "tester",
	})
	require.NoError(t, err)
	assert.FileExists(t, canonical)

	got, err := s.GetCharacterRef("My Series", "Alice")
	require.NoError(t, err)
	assert.Equal(t, canonical, got)

	chars, err := s.ListCharacters("My Series")
	require.NoError(t, err)
	require.Len(t, chars, 1)
	assert.Equal(t, "alice", chars[0].CharacterSlug)
	assert.Equal(t, "Alice", chars[0].DisplayName)
}

func TestSaveCharacterRefUpsertsExistingCharacter(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "store"))
	wav1 := writeTestWav(t, dir, "ref1.wav", "v1")
	wav2 := writeTestWav(t, dir, "ref2.wav", "v2")

	_, err := s.SaveCharacterRef("series", "bob", wav1, "job-1", map[string]string{"display_name": "Bob"})
	require.NoError(t, err)
	_, err = s.SaveCharacterRef("series", "bob", wav2, "job-2", map[string]string{"display_name": "Bobby"})
	require.NoError(t, err)

	chars, err := s.ListCharacters("series")
	require.NoError(t, err)
	require.Len(t, chars, 1)
	assert.Equal(t, "Bobby", chars[0].DisplayName)
}

func TestListCharacterVersionsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "store"))
	wav := writeTestWav(t, dir, "ref.wav", "hello")

	_, err := s.SaveCharacterRef("series", "carol", wav, "job-1", nil)
	require.NoError(t, err)
	_, err = s.SaveCharacterRef("series", "carol", wav, "job-2", nil)
	require.NoError(t, err)

	versions, err := s.ListCharacterVersions("series", "carol")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(versions), 1)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i-1].VersionID, versions[i].VersionID)
	}
}

func TestRollbackCharacterRefWritesNewCanonical(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "store"))
	wav := writeTestWav(t, dir, "ref.wav", "v1")

	_, err := s.SaveCharacterRef("series", "dave", wav, "job-1", map[string]string{"display_name": "Dave"})
	require.NoError(t, err)

	versions, err := s.ListCharacterVersions("series", "dave")
	require.NoError(t, err)
	require.NotEmpty(t, versions)

	canonical, err := s.RollbackCharacterRef("series", "dave", versions[0].VersionID, "admin")
	require.NoError(t, err)
	assert.FileExists(t, canonical)
}

func TestDeleteCharacterRemovesFolderAndIndexEntry(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "store"))
	wav := writeTestWav(t, dir, "ref.wav", "hello")

	_, err := s.SaveCharacterRef("series", "erin", wav, "job-1", nil)
	require.NoError(t, err)

	deleted, err := s.DeleteCharacter("series", "erin")
	require.NoError(t, err)
	assert.True(t, deleted)

	ref, err := s.GetCharacterRef("series", "erin")
	require.NoError(t, err)
	assert.Empty(t, ref)

	chars, err := s.ListCharacters("series")
	require.NoError(t, err)
	assert.Empty(t, chars)
}

func TestSaveCharacterRefRejectsMissingSourceFile(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "store"))
	_, err := s.SaveCharacterRef("series", "frank", filepath.Join(dir, "missing.wav"), "job-1", nil)
	require.Error(t, err)
}
