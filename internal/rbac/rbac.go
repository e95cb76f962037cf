// Copyright 2025 James Ross

// Package rbac implements the coarse role ladder and fine-grained scope
// checks of spec §4.6, layered on top of internal/identity's resolved
// Identity and internal/store's Role/Visibility types.
package rbac

import (
	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/identity"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

// Known scopes (spec §4.6). admin:* implies all of these.
const (
	ScopeReadJob   = "read:job"
	ScopeSubmitJob = "submit:job"
	ScopeAdminAll  = "admin:*"
)

// RequireRole returns a FORBIDDEN error unless id's role outranks or equals min.
func RequireRole(id identity.Identity, min store.Role) error {
	if !id.Role.AtLeast(min) {
		return apperr.Forbidden("requires role " + string(min) + " or above")
	}
	return nil
}

// RequireScope returns a FORBIDDEN error unless id carries scope (or admin:*).
func RequireScope(id identity.Identity, scope string) error {
	if !id.HasScope(scope) {
		return apperr.Forbidden("requires scope " + scope)
	}
	return nil
}

// RequireLibraryAccess refuses with FORBIDDEN when none of rows are visible
// to id, implementing the spec §4.6 require_library_access helper.
func RequireLibraryAccess(id identity.Identity, rows []store.LibraryEpisode, allowSharedRead bool) error {
	for _, row := range rows {
		if identity.CanView(id, row.OwnerID, row.Visibility, allowSharedRead) {
			return nil
		}
	}
	return apperr.Forbidden("no matching library rows are visible")
}

// RequireObjectView refuses with FORBIDDEN unless id may view an object
// owned by ownerID with the given visibility.
func RequireObjectView(id identity.Identity, ownerID string, vis store.Visibility, allowSharedRead bool) error {
	if !identity.CanView(id, ownerID, vis, allowSharedRead) {
		return apperr.Forbidden("object is not visible to this caller")
	}
	return nil
}

// RequireObjectWrite refuses with FORBIDDEN unless id owns the object or is admin.
func RequireObjectWrite(id identity.Identity, ownerID string) error {
	if !identity.CanWrite(id, ownerID) {
		return apperr.Forbidden("only the owner or an admin may modify this object")
	}
	return nil
}
