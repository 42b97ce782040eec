package rbac

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinRolesAreStrictSupersets(t *testing.T) {
	roles := BuiltinRoles()
	for i := 1; i < len(roles); i++ {
		lower, _ := BuiltinPermissions(roles[i-1])
		higher, _ := BuiltinPermissions(roles[i])
		set := make(map[Permission]struct{}, len(higher))
		for _, p := range higher {
			set[p] = struct{}{}
		}
		for _, p := range lower {
			_, ok := set[p]
			assert.Truef(t, ok, "%s is missing %s held by %s", roles[i], p, roles[i-1])
		}
		assert.Greater(t, len(higher), len(lower))
		assert.Greater(t, HierarchyLevel(roles[i]), HierarchyLevel(roles[i-1]))
	}
}

func TestSuperAdminHoldsEveryPermission(t *testing.T) {
	perms, ok := BuiltinPermissions(RoleSuperAdmin)
	require.True(t, ok)
	assert.ElementsMatch(t, AllPermissions(), perms)
}

func TestPermissionsAreResourceActionTokens(t *testing.T) {
	seen := map[Permission]bool{}
	for _, p := range AllPermissions() {
		parts := strings.Split(string(p), ":")
		require.Len(t, parts, 2, "permission %q", p)
		assert.NotEmpty(t, parts[0])
		assert.NotEmpty(t, parts[1])
		assert.False(t, seen[p], "duplicate permission %q", p)
		seen[p] = true
	}
}

func TestCatalogLookupsReturnCopies(t *testing.T) {
	perms, _ := BuiltinPermissions(RoleStudent)
	perms[0] = "tampered:perm"

	again, _ := BuiltinPermissions(RoleStudent)
	assert.Equal(t, PermCourseRead, again[0])

	h := Hierarchy()
	h[RoleStudent] = 99
	assert.Equal(t, 1, HierarchyLevel(RoleStudent))
}

func TestHierarchyLevelUnknownRoleIsZero(t *testing.T) {
	assert.Equal(t, 0, HierarchyLevel("CONTENT_REVIEWER"))
	assert.False(t, IsBuiltin("CONTENT_REVIEWER"))
	assert.True(t, IsBuiltin(RoleAdmin))
}
