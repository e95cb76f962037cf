// Copyright 2025 James Ross
package ratelimit

import (
	"net"
	"net/http"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/identity"
)

// Middleware rejects requests over the configured rate with a BACKPRESSURE
// error (mapped to 429, same as spec's queue-depth backpressure) before
// they reach routing/auth-scoped handlers. Identity is resolved the same
// way downstream handlers see it; an unauthenticated caller is keyed by
// remote address instead; so an anonymous flood can't exhaust per-user
// buckets meant for authenticated callers.
func Middleware(limiter *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(identityKey(r)) {
				err := apperr.Backpressure("request rate limit exceeded", 1)
				http.Error(w, err.Error(), apperr.HTTPStatus(apperr.KindBackpressure))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func identityKey(r *http.Request) string {
	if id, ok := identity.FromContext(r.Context()); ok {
		if id.UserID != "" {
			return "user:" + id.UserID
		}
		if id.APIKeyPrefix != "" {
			return "apikey:" + id.APIKeyPrefix
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return "ip:" + host
	}
	return "ip:" + r.RemoteAddr
}
