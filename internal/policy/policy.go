// Package policy is the single authority for role-based access control.
// The role → permission table is defined once at startup and read-only
// thereafter; every service surface consults this package instead of
// carrying its own copy of the table.
package policy

import (
	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
)

// Role is a named bundle of permissions attached to a principal.
type Role string

const (
	RoleSuperAdmin         Role = "super_admin"
	RoleInstitutionalAdmin Role = "institutional_admin"
	RoleStaff              Role = "staff"
	RoleResident           Role = "resident"
)

// IsValid reports whether the role is one of the defined roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleSuperAdmin, RoleInstitutionalAdmin, RoleStaff, RoleResident:
		return true
	}
	return false
}

// Permission names a single allowed action.
type Permission string

const (
	// User management
	PermCreateUser Permission = "create_user"
	PermReadUser   Permission = "read_user"
	PermUpdateUser Permission = "update_user"
	PermDeleteUser Permission = "delete_user"

	// ID management
	PermCreateID Permission = "create_id"
	PermReadID   Permission = "read_id"
	PermUpdateID Permission = "update_id"
	PermRevokeID Permission = "revoke_id"

	// Institution and system management
	PermManageInstitution Permission = "manage_institution"
	PermManageRoles       Permission = "manage_roles"
	PermAuditLog          Permission = "audit_log"
)

// rolePermissions is the static table. RoleSuperAdmin is the full-access
// role and short-circuits in Authorize, so it carries no entry here.
var rolePermissions = map[Role][]Permission{
	RoleInstitutionalAdmin: {
		PermCreateUser, PermReadUser, PermUpdateUser,
		PermCreateID, PermReadID, PermUpdateID, PermRevokeID,
	},
	RoleStaff: {
		PermReadUser, PermReadID, PermCreateID,
	},
	RoleResident: {
		PermReadUser, PermReadID,
	},
}

// roleScopes maps each role to the token scope it grants.
var roleScopes = map[Role]string{
	RoleSuperAdmin:         "admin",
	RoleInstitutionalAdmin: "institution",
	RoleStaff:              "institution",
	RoleResident:           "resident",
}

// Table evaluates the static role → permission mapping.
type Table struct {
	perms map[Role]map[Permission]struct{}
}

// NewTable builds the lookup structure from the static mapping.
func NewTable() *Table {
	perms := make(map[Role]map[Permission]struct{}, len(rolePermissions))
	for role, list := range rolePermissions {
		set := make(map[Permission]struct{}, len(list))
		for _, p := range list {
			set[p] = struct{}{}
		}
		perms[role] = set
	}
	return &Table{perms: perms}
}

// HasRole reports whether the role name list contains the given role.
func HasRole(roles []string, role Role) bool {
	for _, r := range roles {
		if Role(r) == role {
			return true
		}
	}
	return false
}

// ScopesFor derives the deduplicated scope list for a set of role names.
func ScopesFor(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		scope, ok := roleScopes[Role(r)]
		if !ok {
			continue
		}
		if _, dup := seen[scope]; dup {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	return out
}

// PermissionsFor returns the union of the permissions of all named roles.
// Unknown role names contribute nothing.
func (t *Table) PermissionsFor(roles []string) map[Permission]struct{} {
	union := make(map[Permission]struct{})
	for _, r := range roles {
		for p := range t.perms[Role(r)] {
			union[p] = struct{}{}
		}
	}
	return union
}

// Authorize allows the request only when the union of the principal's role
// permissions covers every required permission. The full-access role
// short-circuits to allowed. Any missing permission denies the whole
// request; there is no partial success.
func (t *Table) Authorize(roles []string, required ...Permission) error {
	if HasRole(roles, RoleSuperAdmin) {
		return nil
	}
	held := t.PermissionsFor(roles)
	for _, p := range required {
		if _, ok := held[p]; !ok {
			return dErrors.New(dErrors.CodeForbidden, "not enough permissions")
		}
	}
	return nil
}

// AuthorizeInstitution additionally restricts operations that name a target
// institution: the principal's own institution must match unless the
// principal holds the full-access role.
func (t *Table) AuthorizeInstitution(roles []string, principal, target id.InstitutionID) error {
	if HasRole(roles, RoleSuperAdmin) {
		return nil
	}
	if target.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "target institution is required")
	}
	if principal != target {
		return dErrors.New(dErrors.CodeForbidden, "no access to this institution")
	}
	return nil
}
