package rbac

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulearn/authcore/internal/shared"
)

const (
	superAdminID int64 = 1
	adminID      int64 = 2
	userX        int64 = 10
	userY        int64 = 11
)

func newTestService(t *testing.T) (*Service, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	svc := NewService(repo)
	require.NoError(t, svc.AssignRole(context.Background(), superAdminID, RoleSuperAdmin, 0))
	return svc, repo
}

func TestAssignAdminGrantsPermissionsWithoutImplicitStudent(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.AssignRole(ctx, userX, RoleAdmin, superAdminID))

	ok, err := svc.HasPermission(ctx, userX, PermUserDelete)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.HasRole(ctx, userX, RoleStudent)
	require.NoError(t, err)
	assert.False(t, ok, "holding ADMIN must not imply STUDENT membership")

	last := repo.AuditTrail()[len(repo.AuditTrail())-1]
	assert.Equal(t, shared.AuditRoleAssigned, last.Action)
	assert.Equal(t, userX, last.UserID)
	assert.Equal(t, "ADMIN", last.Details["role"])
}

func TestAssignRoleDuplicateIsConflict(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.AssignRole(ctx, userX, RoleCreator, superAdminID))
	err := svc.AssignRole(ctx, userX, RoleCreator, superAdminID)
	assert.True(t, shared.IsConflict(err))

	require.NoError(t, svc.AssignRole(ctx, userX, RoleStudent, superAdminID), "different roles may be held together")
	roles, err := svc.GetUserRoles(ctx, userX)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Role{RoleCreator, RoleStudent}, roles)
}

func TestAssignUnknownRoleIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.AssignRole(context.Background(), userX, "GHOST", superAdminID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRemoveMissingRoleLeavesStateUntouched(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.AssignRole(ctx, userX, RoleStudent, superAdminID))
	auditBefore := len(repo.AuditTrail())

	err := svc.RemoveRole(ctx, userX, RoleAdmin, adminID)
	var nf *shared.NotFoundError
	require.True(t, errors.As(err, &nf))

	ok, err := svc.HasRole(ctx, userX, RoleAdmin)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = svc.HasRole(ctx, userX, RoleStudent)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, repo.AuditTrail(), auditBefore)
}

func TestRemoveRoleSoftDeletes(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.AssignRole(ctx, userX, RoleCreator, superAdminID))

	require.NoError(t, svc.RemoveRole(ctx, userX, RoleCreator, adminID))

	ok, err := svc.HasPermission(ctx, userX, PermCourseWrite)
	require.NoError(t, err)
	assert.False(t, ok)

	history := repo.History(userX)
	require.Len(t, history, 1)
	assert.False(t, history[0].IsActive)
	require.NotNil(t, history[0].RemovedBy)
	assert.Equal(t, adminID, *history[0].RemovedBy)
	assert.NotNil(t, history[0].RemovedAt)

	// reassignment after removal is a fresh record, the old one stays inactive
	require.NoError(t, svc.AssignRole(ctx, userX, RoleCreator, superAdminID))
	assert.Len(t, repo.History(userX), 2)
}

func TestUnknownUserHasNothing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ok, err := svc.HasPermission(ctx, 404, PermCourseRead)
	require.NoError(t, err)
	assert.False(t, ok)
	perms, err := svc.GetUserPermissions(ctx, 404)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestHasPermissionTracksActiveRoleUnion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateCustomRole(ctx, "REVIEWER", []Permission{"review:approve", PermCourseRead}, superAdminID)
	require.NoError(t, err)

	candidates := []Role{RoleStudent, RoleCreator, RoleAdmin, "REVIEWER"}
	active := map[Role]bool{}
	rng := rand.New(rand.NewSource(42))

	for step := 0; step < 60; step++ {
		role := candidates[rng.Intn(len(candidates))]
		if active[role] {
			require.NoError(t, svc.RemoveRole(ctx, userY, role, superAdminID))
			delete(active, role)
		} else {
			require.NoError(t, svc.AssignRole(ctx, userY, role, superAdminID))
			active[role] = true
		}

		expected := map[Permission]bool{}
		for r := range active {
			if perms, ok := BuiltinPermissions(r); ok {
				for _, p := range perms {
					expected[p] = true
				}
				continue
			}
			expected["review:approve"] = true
			expected[PermCourseRead] = true
		}
		probe := append(AllPermissions(), "review:approve")
		for _, p := range probe {
			got, err := svc.HasPermission(ctx, userY, p)
			require.NoError(t, err)
			require.Equalf(t, expected[p], got, "step %d permission %s", step, p)
		}
	}
}

func TestGetUserPermissionsDeduplicates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.AssignRole(ctx, userX, RoleStudent, superAdminID))
	require.NoError(t, svc.AssignRole(ctx, userX, RoleCreator, superAdminID))

	perms, err := svc.GetUserPermissions(ctx, userX)
	require.NoError(t, err)
	creator, _ := BuiltinPermissions(RoleCreator)
	assert.ElementsMatch(t, creator, perms)
}

func TestCanManageUserStrictlyGreater(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.AssignRole(ctx, adminID, RoleAdmin, superAdminID))
	require.NoError(t, svc.AssignRole(ctx, 3, RoleAdmin, superAdminID))
	require.NoError(t, svc.AssignRole(ctx, userX, RoleStudent, superAdminID))
	require.NoError(t, svc.AssignRole(ctx, userX, RoleCreator, superAdminID))

	cases := []struct {
		name            string
		manager, target int64
		want            bool
	}{
		{"super admin over admin", superAdminID, adminID, true},
		{"admin over multi-role creator", adminID, userX, true},
		{"admin over user without roles", adminID, 500, true},
		{"peer admins", adminID, 3, false},
		{"self", adminID, adminID, false},
		{"creator over admin", userX, adminID, false},
		{"no roles vs no roles", 500, 501, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.CanManageUser(ctx, tc.manager, tc.target)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCustomRoleLifecycle(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateCustomRole(ctx, "teaching_assistant", []Permission{PermLessonRead, "not:catalogued"}, superAdminID)
	require.NoError(t, err)

	_, err = svc.CreateCustomRole(ctx, "TEACHING_ASSISTANT", nil, superAdminID)
	assert.True(t, shared.IsConflict(err))
	_, err = svc.CreateCustomRole(ctx, "ADMIN", nil, superAdminID)
	assert.True(t, shared.IsConflict(err), "built-in names are reserved")

	require.NoError(t, svc.AssignRole(ctx, userX, "TEACHING_ASSISTANT", superAdminID))
	ok, err := svc.HasPermission(ctx, userX, "not:catalogued")
	require.NoError(t, err)
	assert.True(t, ok, "custom permissions are stored as-is")

	require.NoError(t, svc.UpdateRolePermissions(ctx, "TEACHING_ASSISTANT", []Permission{PermStudentRead}, superAdminID))
	ok, err = svc.HasPermission(ctx, userX, PermLessonRead)
	require.NoError(t, err)
	assert.False(t, ok, "update replaces rather than merges")
	ok, err = svc.HasPermission(ctx, userX, PermStudentRead)
	require.NoError(t, err)
	assert.True(t, ok)

	err = svc.UpdateRolePermissions(ctx, "MISSING", nil, superAdminID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	last := repo.AuditTrail()[len(repo.AuditTrail())-1]
	assert.Equal(t, shared.AuditRolePermsUpdated, last.Action)
}

func TestGetAllRolesListsBuiltinsThenCustom(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateCustomRole(ctx, "MENTOR", []Permission{PermStudentRead}, superAdminID)
	require.NoError(t, err)

	roles, err := svc.GetAllRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 5)
	assert.Equal(t, RoleStudent, roles[0].Name)
	assert.True(t, roles[3].Builtin)
	assert.Equal(t, Role("MENTOR"), roles[4].Name)
	assert.False(t, roles[4].Builtin)
	assert.Equal(t, 4, svc.GetRoleHierarchy()[RoleSuperAdmin])
}

func TestRepositoryErrorsPropagate(t *testing.T) {
	svc, repo := newTestService(t)
	repo.listErr = errors.New("connection reset")

	_, err := svc.HasPermission(context.Background(), userX, PermCourseRead)
	assert.Error(t, err)
	_, err = svc.CanManageUser(context.Background(), superAdminID, userX)
	assert.Error(t, err)
}
