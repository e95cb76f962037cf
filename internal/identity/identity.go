// Copyright 2025 James Ross
package identity

import "github.com/flyingrobots/dubbing-orchestrator/internal/store"

// Kind distinguishes how an Identity was resolved (spec §4.5).
type Kind string

const (
	KindUser   Kind = "user"
	KindAPIKey Kind = "api_key"
)

// Identity is the resolved caller for one request.
type Identity struct {
	Kind         Kind
	UserID       string
	Role         store.Role
	Scopes       []string
	APIKeyPrefix string
}

// HasScope reports whether the identity carries scope directly, honoring
// the admin:* wildcard (spec §4.6).
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope || s == "admin:*" {
			return true
		}
	}
	return false
}

// CanView reports whether id may view an object owned by ownerID with the
// given visibility (spec §4.6 object visibility rules).
func CanView(id Identity, ownerID string, vis store.Visibility, sharingAllowed bool) bool {
	if id.Role == store.RoleAdmin {
		return true
	}
	if id.UserID == ownerID {
		return true
	}
	switch vis {
	case store.VisibilityPublic:
		return true
	case store.VisibilityShared:
		return sharingAllowed
	default:
		return false
	}
}

// CanWrite reports whether id may mutate an object owned by ownerID.
// Visibility never grants write access — only ownership or admin does.
func CanWrite(id Identity, ownerID string) bool {
	return id.Role == store.RoleAdmin || id.UserID == ownerID
}
