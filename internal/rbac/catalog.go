package rbac

import "sort"

// Permission is a `resource:action` token.
type Permission string

// Role names a bundle of permissions. Built-in roles are static; custom roles
// live in the durable store.
type Role string

// Permission catalog.
const (
	PermCourseRead       Permission = "course:read"
	PermCourseWrite      Permission = "course:write"
	PermCourseDelete     Permission = "course:delete"
	PermCoursePublish    Permission = "course:publish"
	PermLessonRead       Permission = "lesson:read"
	PermLessonWrite      Permission = "lesson:write"
	PermEnrollmentRead   Permission = "enrollment:read"
	PermEnrollmentManage Permission = "enrollment:manage"
	PermStudentRead      Permission = "student:read"
	PermStudentManage    Permission = "student:manage"
	PermUserRead         Permission = "user:read"
	PermUserWrite        Permission = "user:write"
	PermUserDelete       Permission = "user:delete"
	PermRoleRead         Permission = "role:read"
	PermRoleAssign       Permission = "role:assign"
	PermRoleManage       Permission = "role:manage"
	PermSessionRead      Permission = "session:read"
	PermSessionManage    Permission = "session:manage"
	PermPaymentRead      Permission = "payment:read"
	PermPaymentRefund    Permission = "payment:refund"
	PermAnalyticsRead    Permission = "analytics:read"
	PermAuditRead        Permission = "audit:read"
	PermSystemConfigure  Permission = "system:configure"
)

// Built-in roles.
const (
	RoleStudent    Role = "STUDENT"
	RoleCreator    Role = "CREATOR"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

var allPermissions = []Permission{
	PermCourseRead, PermCourseWrite, PermCourseDelete, PermCoursePublish,
	PermLessonRead, PermLessonWrite,
	PermEnrollmentRead, PermEnrollmentManage,
	PermStudentRead, PermStudentManage,
	PermUserRead, PermUserWrite, PermUserDelete,
	PermRoleRead, PermRoleAssign, PermRoleManage,
	PermSessionRead, PermSessionManage,
	PermPaymentRead, PermPaymentRefund,
	PermAnalyticsRead, PermAuditRead, PermSystemConfigure,
}

var studentPermissions = []Permission{
	PermCourseRead,
	PermLessonRead,
	PermEnrollmentRead,
	PermSessionRead,
}

var creatorPermissions = append(clonePermissions(studentPermissions),
	PermCourseWrite,
	PermCoursePublish,
	PermLessonWrite,
	PermStudentRead,
	PermAnalyticsRead,
)

var adminPermissions = append(clonePermissions(creatorPermissions),
	PermCourseDelete,
	PermEnrollmentManage,
	PermStudentManage,
	PermUserRead,
	PermUserWrite,
	PermUserDelete,
	PermRoleRead,
	PermRoleAssign,
	PermSessionManage,
	PermPaymentRead,
	PermPaymentRefund,
	PermAuditRead,
)

// Each role must keep a superset of the permissions of the roles below it.
// catalog_test.go enforces this whenever the table is edited.
var rolePermissions = map[Role][]Permission{
	RoleStudent:    studentPermissions,
	RoleCreator:    creatorPermissions,
	RoleAdmin:      adminPermissions,
	RoleSuperAdmin: allPermissions,
}

var roleHierarchy = map[Role]int{
	RoleStudent:    1,
	RoleCreator:    2,
	RoleAdmin:      3,
	RoleSuperAdmin: 4,
}

// BuiltinRoles returns the built-in roles ordered by hierarchy level.
func BuiltinRoles() []Role {
	return []Role{RoleStudent, RoleCreator, RoleAdmin, RoleSuperAdmin}
}

// AllPermissions returns a copy of the permission catalog.
func AllPermissions() []Permission {
	return clonePermissions(allPermissions)
}

// IsBuiltin reports whether role is one of the static roles.
func IsBuiltin(role Role) bool {
	_, ok := rolePermissions[role]
	return ok
}

// BuiltinPermissions returns a copy of the permissions mapped to a built-in role.
func BuiltinPermissions(role Role) ([]Permission, bool) {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil, false
	}
	return clonePermissions(perms), true
}

// HierarchyLevel returns the level of a built-in role, zero for anything else.
func HierarchyLevel(role Role) int {
	return roleHierarchy[role]
}

// Hierarchy returns a copy of the role level table.
func Hierarchy() map[Role]int {
	out := make(map[Role]int, len(roleHierarchy))
	for role, level := range roleHierarchy {
		out[role] = level
	}
	return out
}

func clonePermissions(perms []Permission) []Permission {
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

func sortedPermissions(set map[Permission]struct{}) []Permission {
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
