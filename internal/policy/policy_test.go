package policy_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civid/internal/policy"
	id "civid/pkg/domain"
	dErrors "civid/pkg/domain-errors"
)

func TestAuthorize(t *testing.T) {
	table := policy.NewTable()

	tests := []struct {
		name     string
		roles    []string
		required []policy.Permission
		allowed  bool
	}{
		{
			name:     "super admin passes any check",
			roles:    []string{"super_admin"},
			required: []policy.Permission{policy.PermManageInstitution, policy.PermAuditLog},
			allowed:  true,
		},
		{
			name:     "institutional admin can manage ids",
			roles:    []string{"institutional_admin"},
			required: []policy.Permission{policy.PermCreateID, policy.PermRevokeID},
			allowed:  true,
		},
		{
			name:     "institutional admin cannot manage institutions",
			roles:    []string{"institutional_admin"},
			required: []policy.Permission{policy.PermManageInstitution},
			allowed:  false,
		},
		{
			name:     "staff can issue but not revoke",
			roles:    []string{"staff"},
			required: []policy.Permission{policy.PermCreateID, policy.PermRevokeID},
			allowed:  false,
		},
		{
			name:     "resident is read only",
			roles:    []string{"resident"},
			required: []policy.Permission{policy.PermReadID},
			allowed:  true,
		},
		{
			name:     "resident cannot create users",
			roles:    []string{"resident"},
			required: []policy.Permission{policy.PermCreateUser},
			allowed:  false,
		},
		{
			name:     "permissions union across roles",
			roles:    []string{"resident", "staff"},
			required: []policy.Permission{policy.PermCreateID, policy.PermReadUser},
			allowed:  true,
		},
		{
			name:     "one missing permission denies the whole request",
			roles:    []string{"staff"},
			required: []policy.Permission{policy.PermReadID, policy.PermDeleteUser},
			allowed:  false,
		},
		{
			name:     "unknown role grants nothing",
			roles:    []string{"janitor"},
			required: []policy.Permission{policy.PermReadID},
			allowed:  false,
		},
		{
			name:     "no roles grants nothing",
			roles:    nil,
			required: []policy.Permission{policy.PermReadID},
			allowed:  false,
		},
		{
			name:    "empty requirement always passes",
			roles:   []string{"resident"},
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := table.Authorize(tt.roles, tt.required...)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, dErrors.CodeForbidden, dErrors.CodeOf(err))
			}
		})
	}
}

func TestAuthorizeInstitution(t *testing.T) {
	table := policy.NewTable()
	own := id.InstitutionID(uuid.New())
	other := id.InstitutionID(uuid.New())

	t.Run("matching institution allowed", func(t *testing.T) {
		assert.NoError(t, table.AuthorizeInstitution([]string{"institutional_admin"}, own, own))
	})

	t.Run("different institution denied", func(t *testing.T) {
		err := table.AuthorizeInstitution([]string{"institutional_admin"}, own, other)
		require.Error(t, err)
		assert.Equal(t, dErrors.CodeForbidden, dErrors.CodeOf(err))
	})

	t.Run("super admin crosses institutions", func(t *testing.T) {
		assert.NoError(t, table.AuthorizeInstitution([]string{"super_admin"}, own, other))
	})

	t.Run("missing target rejected", func(t *testing.T) {
		err := table.AuthorizeInstitution([]string{"institutional_admin"}, own, id.InstitutionID{})
		require.Error(t, err)
		assert.Equal(t, dErrors.CodeInvalidInput, dErrors.CodeOf(err))
	})
}

func TestScopesFor(t *testing.T) {
	t.Run("deduplicates shared scopes", func(t *testing.T) {
		scopes := policy.ScopesFor([]string{"institutional_admin", "staff"})
		assert.Equal(t, []string{"institution"}, scopes)
	})

	t.Run("unknown roles contribute nothing", func(t *testing.T) {
		scopes := policy.ScopesFor([]string{"resident", "janitor"})
		assert.Equal(t, []string{"resident"}, scopes)
	})

	t.Run("admin scope", func(t *testing.T) {
		scopes := policy.ScopesFor([]string{"super_admin"})
		assert.Equal(t, []string{"admin"}, scopes)
	})
}

func TestHasRole(t *testing.T) {
	assert.True(t, policy.HasRole([]string{"staff", "resident"}, policy.RoleResident))
	assert.False(t, policy.HasRole([]string{"staff"}, policy.RoleSuperAdmin))
	assert.False(t, policy.HasRole(nil, policy.RoleResident))
}

func TestRoleIsValid(t *testing.T) {
	assert.True(t, policy.Role("resident").IsValid())
	assert.False(t, policy.Role("janitor").IsValid())
}
