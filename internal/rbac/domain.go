package rbac

import "time"

// UserRole is a role assignment record. Removal is a soft delete.
type UserRole struct {
	ID         string
	UserID     int64
	Role       Role
	AssignedBy int64
	AssignedAt time.Time
	RemovedBy  *int64
	RemovedAt  *time.Time
	IsActive   bool
}

// CustomRole is a runtime-defined role stored outside the built-in table.
type CustomRole struct {
	Name        Role
	Permissions []Permission
	CreatedBy   int64
	CreatedAt   time.Time
	UpdatedBy   *int64
	UpdatedAt   *time.Time
}

// RoleInfo describes a role for listing endpoints.
type RoleInfo struct {
	Name        Role         `json:"name"`
	Permissions []Permission `json:"permissions"`
	Level       int          `json:"level"`
	Builtin     bool         `json:"builtin"`
}

// RouteAccess declares what a route requires. It is attached at route
// registration time and read by the Guard for each request.
type RouteAccess struct {
	Permissions []Permission
	Roles       []Role
}
