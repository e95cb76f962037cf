// Copyright 2025 James Ross
package identity

import (
	"testing"
	"time"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	ti := NewTokenIssuer("test-secret", time.Minute, time.Hour)
	token, err := ti.IssueAccess("user-1", store.RoleEditor, []string{"read:job"})
	require.NoError(t, err)

	userID, role, scopes, err := ti.VerifyAccess(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, store.RoleEditor, role)
	assert.Equal(t, []string{"read:job"}, scopes)
}

func TestRefreshTokenRejectedByVerifyAccess(t *testing.T) {
	ti := NewTokenIssuer("test-secret", time.Minute, time.Hour)
	refresh, err := ti.IssueRefresh("user-1", store.RoleViewer)
	require.NoError(t, err)

	_, _, _, err = ti.VerifyAccess(refresh)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestExpiredAccessTokenRejected(t *testing.T) {
	ti := NewTokenIssuer("test-secret", -time.Second, time.Hour)
	token, err := ti.IssueAccess("user-1", store.RoleViewer, nil)
	require.NoError(t, err)

	_, _, _, err = ti.VerifyAccess(token)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestWrongSecretRejected(t *testing.T) {
	ti := NewTokenIssuer("secret-a", time.Minute, time.Hour)
	token, err := ti.IssueAccess("user-1", store.RoleViewer, nil)
	require.NoError(t, err)

	other := NewTokenIssuer("secret-b", time.Minute, time.Hour)
	_, _, _, err = other.VerifyAccess(token)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}
