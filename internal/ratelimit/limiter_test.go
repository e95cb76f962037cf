// Copyright 2025 James Ross
package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/dubbing-orchestrator/internal/config"
	"github.com/flyingrobots/dubbing-orchestrator/internal/identity"
)

func TestLimiterAllowsWithinBurst(t *testing.T) {
	l := New(config.RateLimitConfig{
		GlobalRatePerSecond: 100, GlobalBurst: 100,
		PerUserRatePerSecond: 5, PerUserBurst: 5,
	})
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("user:alice"))
	}
}

func TestLimiterRejectsOverPerUserBurst(t *testing.T) {
	l := New(config.RateLimitConfig{
		GlobalRatePerSecond: 100, GlobalBurst: 100,
		PerUserRatePerSecond: 2, PerUserBurst: 2,
	})
	require.True(t, l.Allow("user:bob"))
	require.True(t, l.Allow("user:bob"))
	assert.False(t, l.Allow("user:bob"))
}

func TestLimiterTracksUsersIndependently(t *testing.T) {
	l := New(config.RateLimitConfig{
		GlobalRatePerSecond: 100, GlobalBurst: 100,
		PerUserRatePerSecond: 1, PerUserBurst: 1,
	})
	require.True(t, l.Allow("user:alice"))
	assert.False(t, l.Allow("user:alice"))
	assert.True(t, l.Allow("user:bob"))
}

func TestLimiterRejectsOverGlobalBurstEvenWithFreshUser(t *testing.T) {
	l := New(config.RateLimitConfig{
		GlobalRatePerSecond: 1, GlobalBurst: 1,
		PerUserRatePerSecond: 100, PerUserBurst: 100,
	})
	require.True(t, l.Allow("user:alice"))
	assert.False(t, l.Allow("user:bob"))
}

func TestMiddlewarePassesThroughWhenAllowed(t *testing.T) {
	l := New(config.RateLimitConfig{GlobalRatePerSecond: 100, GlobalBurst: 100, PerUserRatePerSecond: 100, PerUserBurst: 100})
	called := false
	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRejectsWithBackpressureStatus(t *testing.T) {
	l := New(config.RateLimitConfig{GlobalRatePerSecond: 1, GlobalBurst: 1, PerUserRatePerSecond: 1, PerUserBurst: 1})
	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.RemoteAddr = "10.0.0.2:5555"

	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req)
	assert.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestIdentityKeyPrefersAuthenticatedUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.RemoteAddr = "10.0.0.3:5555"
	ctx := identity.WithIdentity(req.Context(), identity.Identity{Kind: identity.KindUser, UserID: "u1"})
	req = req.WithContext(ctx)

	assert.Equal(t, "user:u1", identityKey(req))
}

func TestIdentityKeyFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.RemoteAddr = "10.0.0.4:5555"
	assert.Equal(t, "ip:10.0.0.4", identityKey(req))
}
