// Copyright 2025 James Ross
package identity

import (
	"net"
	"net/http"
	"strings"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

// Resolver implements the four-step identity resolution chain (spec §4.5).
type Resolver struct {
	db               *store.DB
	tokens           *TokenIssuer
	csrfCookieName   string
	allowLegacyToken bool
}

func NewResolver(db *store.DB, tokens *TokenIssuer, csrfCookieName string, allowLegacyToken bool) *Resolver {
	return &Resolver{db: db, tokens: tokens, csrfCookieName: csrfCookieName, allowLegacyToken: allowLegacyToken}
}

// Resolve runs the resolution chain against r, returning UNAUTHENTICATED if
// no method produces an identity.
func (res *Resolver) Resolve(r *http.Request) (Identity, error) {
	if id, ok, err := res.resolveAPIKey(r); err != nil {
		return Identity{}, err
	} else if ok {
		return id, nil
	}

	if id, ok, err := res.resolveBearer(r); err != nil {
		return Identity{}, err
	} else if ok {
		return id, nil
	}

	if id, ok, err := res.resolveCookie(r); err != nil {
		return Identity{}, err
	} else if ok {
		return id, nil
	}

	if id, ok, err := res.resolveLegacyToken(r); err != nil {
		return Identity{}, err
	} else if ok {
		return id, nil
	}

	return Identity{}, apperr.Unauthenticated("no credentials presented")
}

// rawAPIKeyCandidate returns the X-Api-Key header value, or an
// Authorization: Bearer value if it's API-key shaped.
func rawAPIKeyCandidate(r *http.Request) string {
	if v := r.Header.Get("X-Api-Key"); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		candidate := strings.TrimPrefix(auth, "Bearer ")
		if strings.HasPrefix(candidate, APIKeyScheme) {
			return candidate
		}
	}
	return ""
}

func (res *Resolver) resolveAPIKey(r *http.Request) (Identity, bool, error) {
	raw := rawAPIKeyCandidate(r)
	if raw == "" {
		return Identity{}, false, nil
	}
	prefix, secret, ok := ParseAPIKey(raw)
	if !ok {
		return Identity{}, false, apperr.Unauthenticated("malformed api key")
	}
	key, err := res.db.GetApiKeyByPrefix(prefix)
	if err != nil {
		return Identity{}, false, apperr.Unauthenticated("invalid api key")
	}
	if key.Revoked || !VerifyAPIKeySecret(key.KeyHash, secret) {
		return Identity{}, false, apperr.Unauthenticated("invalid api key")
	}
	user, err := res.db.GetUserByID(key.UserID)
	if err != nil {
		return Identity{}, false, apperr.Unauthenticated("api key owner not found")
	}
	return Identity{
		Kind:         KindAPIKey,
		UserID:       user.ID,
		Role:         user.Role,
		Scopes:       key.Scopes,
		APIKeyPrefix: key.Prefix,
	}, true, nil
}

func (res *Resolver) resolveBearer(r *http.Request) (Identity, bool, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return Identity{}, false, nil
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if strings.HasPrefix(token, APIKeyScheme) {
		// Already handled (or rejected) by resolveAPIKey.
		return Identity{}, false, nil
	}
	return res.identityFromAccessToken(token)
}

func (res *Resolver) resolveCookie(r *http.Request) (Identity, bool, error) {
	token, ok := SessionTokenFromRequest(r)
	if !ok {
		return Identity{}, false, nil
	}
	if !CheckCSRF(r, res.csrfCookieName) {
		return Identity{}, false, apperr.Forbidden("csrf token missing or mismatched")
	}
	return res.identityFromAccessToken(token)
}

func (res *Resolver) resolveLegacyToken(r *http.Request) (Identity, bool, error) {
	if !res.allowLegacyToken {
		return Identity{}, false, nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		return Identity{}, false, nil
	}
	if !isLoopbackOrPrivate(r.RemoteAddr) {
		return Identity{}, false, nil
	}
	return res.identityFromAccessToken(token)
}

func (res *Resolver) identityFromAccessToken(token string) (Identity, bool, error) {
	userID, _, scopes, err := res.tokens.VerifyAccess(token)
	if err != nil {
		return Identity{}, false, apperr.Unauthenticated("invalid or expired token")
	}
	user, err := res.db.GetUserByID(userID)
	if err != nil {
		return Identity{}, false, apperr.Unauthenticated("token subject not found")
	}
	return Identity{Kind: KindUser, UserID: user.ID, Role: user.Role, Scopes: scopes}, true, nil
}

// isLoopbackOrPrivate reports whether addr (host[:port]) is a loopback or
// RFC1918 private address, as required to permit legacy ?token= auth
// (spec §4.5 step 4).
func isLoopbackOrPrivate(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
		_, block, err := net.ParseCIDR(cidr)
		if err == nil && block.Contains(ip) {
			return true
		}
	}
	return false
}
