// Copyright 2025 James Ross
package identity

import (
	"context"
	"net/http"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
)

type contextKey string

const identityContextKey contextKey = "identity"

// WithIdentity stores id in ctx for downstream handlers.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext retrieves the Identity set by Middleware, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

// Middleware resolves the caller's Identity for every request and rejects
// unauthenticated ones with 401, mirroring the teacher's AuthMiddleware but
// driving off the multi-step Resolver instead of bearer-only validation.
// Paths in exempt are served without resolution (health checks, login).
func Middleware(res *Resolver, exempt map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			id, err := res.Resolve(r)
			if err != nil {
				writeAuthError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(apperr.KindOf(err)))
	w.Write([]byte(`{"error":"` + err.Error() + `"}`))
}
