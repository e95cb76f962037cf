// Copyright 2025 James Ross
package identity

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, allowLegacy bool) (*Resolver, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "auth.db"), store.DefaultOpenOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.PutUser(&store.User{ID: "user-1", Username: "alice", Role: store.RoleEditor, CreatedAt: time.Now()}))

	tokens := NewTokenIssuer("test-secret", time.Hour, 24*time.Hour)
	return NewResolver(db, tokens, "csrf", allowLegacy), db
}

func TestResolveByAPIKey(t *testing.T) {
	res, db := newTestResolver(t, false)
	gen, err := GenerateAPIKey()
	require.NoError(t, err)
	require.NoError(t, db.PutApiKey(&store.ApiKey{
		ID: "key-1", Prefix: gen.Prefix, KeyHash: gen.Hash, Scopes: []string{"read:job"},
		UserID: "user-1", CreatedAt: time.Now(),
	}))

	r := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	r.Header.Set("X-Api-Key", gen.Full)

	id, err := res.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, KindAPIKey, id.Kind)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, gen.Prefix, id.APIKeyPrefix)
}

func TestResolveByAPIKeyRejectsRevoked(t *testing.T) {
	res, db := newTestResolver(t, false)
	gen, err := GenerateAPIKey()
	require.NoError(t, err)
	require.NoError(t, db.PutApiKey(&store.ApiKey{
		ID: "key-1", Prefix: gen.Prefix, KeyHash: gen.Hash, UserID: "user-1",
		CreatedAt: time.Now(), Revoked: true,
	}))

	r := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	r.Header.Set("X-Api-Key", gen.Full)

	_, err = res.Resolve(r)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestResolveByBearerJWT(t *testing.T) {
	res, _ := newTestResolver(t, false)
	tokens := NewTokenIssuer("test-secret", time.Hour, 24*time.Hour)
	token, err := tokens.IssueAccess("user-1", store.RoleEditor, []string{"submit:job"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	id, err := res.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, KindUser, id.Kind)
	assert.Equal(t, store.RoleEditor, id.Role)
}

func TestResolveByCookieRequiresCSRFOnWrite(t *testing.T) {
	res, _ := newTestResolver(t, false)
	tokens := NewTokenIssuer("test-secret", time.Hour, 24*time.Hour)
	token, err := tokens.IssueAccess("user-1", store.RoleEditor, nil)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	r.AddCookie(&http.Cookie{Name: "session", Value: token})
	r.AddCookie(&http.Cookie{Name: "csrf", Value: "abc123"})
	r.Header.Set("X-CSRF-Token", "abc123")

	id, err := res.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)

	r2 := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	r2.AddCookie(&http.Cookie{Name: "session", Value: token})
	r2.AddCookie(&http.Cookie{Name: "csrf", Value: "abc123"})
	r2.Header.Set("X-CSRF-Token", "wrong")

	_, err = res.Resolve(r2)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestResolveByCookieSkipsCSRFOnGet(t *testing.T) {
	res, _ := newTestResolver(t, false)
	tokens := NewTokenIssuer("test-secret", time.Hour, 24*time.Hour)
	token, err := tokens.IssueAccess("user-1", store.RoleEditor, nil)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	r.AddCookie(&http.Cookie{Name: "session", Value: token})

	id, err := res.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
}

func TestResolveByLegacyTokenRequiresLocalPeerAndFlag(t *testing.T) {
	tokens := NewTokenIssuer("test-secret", time.Hour, 24*time.Hour)
	token, err := tokens.IssueAccess("user-1", store.RoleEditor, nil)
	require.NoError(t, err)

	resDisabled, _ := newTestResolver(t, false)
	r := httptest.NewRequest(http.MethodGet, "/jobs?token="+token, nil)
	r.RemoteAddr = "127.0.0.1:5555"
	_, err = resDisabled.Resolve(r)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	resEnabled, _ := newTestResolver(t, true)
	id, err := resEnabled.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)

	r2 := httptest.NewRequest(http.MethodGet, "/jobs?token="+token, nil)
	r2.RemoteAddr = "8.8.8.8:5555"
	_, err = resEnabled.Resolve(r2)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestResolveUnauthenticatedWhenNoCredentials(t *testing.T) {
	res, _ := newTestResolver(t, false)
	r := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	_, err := res.Resolve(r)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}
