package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edulearn/authcore/internal/shared"
)

// Service resolves effective roles and permissions. It never caches: every
// check re-reads the current active assignments.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService constructs a Service backed by repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// HasPermission reports whether the user's active roles grant perm. Unknown
// users hold no roles and therefore no permissions.
func (s *Service) HasPermission(ctx context.Context, userID int64, perm Permission) (bool, error) {
	perms, err := s.GetUserPermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

// HasRole reports whether the user holds an active assignment for role.
func (s *Service) HasRole(ctx context.Context, userID int64, role Role) (bool, error) {
	return s.HasAnyRole(ctx, userID, []Role{role})
}

// HasAnyRole reports whether the user holds at least one of roles.
func (s *Service) HasAnyRole(ctx context.Context, userID int64, roles []Role) (bool, error) {
	held, err := s.GetUserRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, h := range held {
		for _, r := range roles {
			if h == r {
				return true, nil
			}
		}
	}
	return false, nil
}

// GetUserRoles returns the roles of the user's active assignments.
func (s *Service) GetUserRoles(ctx context.Context, userID int64) ([]Role, error) {
	assignments, err := s.repo.ActiveUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	roles := make([]Role, 0, len(assignments))
	seen := make(map[Role]struct{}, len(assignments))
	for _, a := range assignments {
		if !a.IsActive {
			continue
		}
		if _, dup := seen[a.Role]; dup {
			continue
		}
		seen[a.Role] = struct{}{}
		roles = append(roles, a.Role)
	}
	return roles, nil
}

// GetUserPermissions returns the deduplicated union of permissions over the
// user's active roles, sorted.
func (s *Service) GetUserPermissions(ctx context.Context, userID int64) ([]Permission, error) {
	roles, err := s.GetUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := make(map[Permission]struct{})
	for _, role := range roles {
		perms, err := s.permissionsOf(ctx, role)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			set[p] = struct{}{}
		}
	}
	return sortedPermissions(set), nil
}

// AssignRole creates an active assignment and records it in the audit log.
func (s *Service) AssignRole(ctx context.Context, userID int64, role Role, assignedBy int64) error {
	role = normalizeRole(role)
	if !IsBuiltin(role) {
		if _, err := s.repo.GetCustomRole(ctx, role); err != nil {
			if errors.Is(err, ErrNotFound) {
				return &shared.NotFoundError{Resource: "role", Key: string(role)}
			}
			return err
		}
	}
	held, err := s.HasRole(ctx, userID, role)
	if err != nil {
		return err
	}
	if held {
		return &shared.ConflictError{Resource: "role assignment", Key: string(role)}
	}
	now := s.now().UTC()
	ur := UserRole{
		ID:         uuid.NewString(),
		UserID:     userID,
		Role:       role,
		AssignedBy: assignedBy,
		AssignedAt: now,
		IsActive:   true,
	}
	audit := shared.AuditLog{
		UserID:  userID,
		Action:  shared.AuditRoleAssigned,
		Details: map[string]any{"role": string(role), "assigned_by": assignedBy},
		At:      now,
	}
	if err := s.repo.CreateUserRole(ctx, ur, audit); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return &shared.ConflictError{Resource: "role assignment", Key: string(role)}
		}
		return fmt.Errorf("rbac: assign role: %w", err)
	}
	return nil
}

// RemoveRole soft-deletes the user's active assignment of role.
func (s *Service) RemoveRole(ctx context.Context, userID int64, role Role, removedBy int64) error {
	role = normalizeRole(role)
	held, err := s.HasRole(ctx, userID, role)
	if err != nil {
		return err
	}
	if !held {
		return &shared.NotFoundError{Resource: "role assignment", Key: string(role)}
	}
	now := s.now().UTC()
	audit := shared.AuditLog{
		UserID:  userID,
		Action:  shared.AuditRoleRemoved,
		Details: map[string]any{"role": string(role), "removed_by": removedBy},
		At:      now,
	}
	if err := s.repo.DeactivateUserRole(ctx, userID, role, removedBy, now, audit); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &shared.NotFoundError{Resource: "role assignment", Key: string(role)}
		}
		return fmt.Errorf("rbac: remove role: %w", err)
	}
	return nil
}

// CanManageUser reports whether the manager's highest role level is strictly
// greater than the target's. Equal levels, including self, never qualify.
func (s *Service) CanManageUser(ctx context.Context, managerID, targetID int64) (bool, error) {
	managerLevel, err := s.maxLevel(ctx, managerID)
	if err != nil {
		return false, err
	}
	targetLevel, err := s.maxLevel(ctx, targetID)
	if err != nil {
		return false, err
	}
	return managerLevel > targetLevel, nil
}

// CreateCustomRole stores a new role with the permission list as given.
// Permissions are not validated against the catalog.
func (s *Service) CreateCustomRole(ctx context.Context, name Role, perms []Permission, createdBy int64) (CustomRole, error) {
	name = normalizeRole(name)
	if name == "" {
		return CustomRole{}, errors.New("rbac: role name required")
	}
	if IsBuiltin(name) {
		return CustomRole{}, &shared.ConflictError{Resource: "role", Key: string(name)}
	}
	if _, err := s.repo.GetCustomRole(ctx, name); err == nil {
		return CustomRole{}, &shared.ConflictError{Resource: "role", Key: string(name)}
	} else if !errors.Is(err, ErrNotFound) {
		return CustomRole{}, err
	}
	now := s.now().UTC()
	role := CustomRole{
		Name:        name,
		Permissions: clonePermissions(perms),
		CreatedBy:   createdBy,
		CreatedAt:   now,
	}
	audit := shared.AuditLog{
		UserID:  createdBy,
		Action:  shared.AuditCustomRoleCreated,
		Details: map[string]any{"role": string(name), "permissions": permissionStrings(perms)},
		At:      now,
	}
	if err := s.repo.CreateCustomRole(ctx, role, audit); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return CustomRole{}, &shared.ConflictError{Resource: "role", Key: string(name)}
		}
		return CustomRole{}, fmt.Errorf("rbac: create custom role: %w", err)
	}
	return role, nil
}

// UpdateRolePermissions replaces the permission list of a custom role.
func (s *Service) UpdateRolePermissions(ctx context.Context, name Role, perms []Permission, updatedBy int64) error {
	name = normalizeRole(name)
	now := s.now().UTC()
	audit := shared.AuditLog{
		UserID:  updatedBy,
		Action:  shared.AuditRolePermsUpdated,
		Details: map[string]any{"role": string(name), "permissions": permissionStrings(perms)},
		At:      now,
	}
	if err := s.repo.UpdateCustomRolePermissions(ctx, name, clonePermissions(perms), updatedBy, now, audit); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &shared.NotFoundError{Resource: "role", Key: string(name)}
		}
		return fmt.Errorf("rbac: update role permissions: %w", err)
	}
	return nil
}

// GetAllRoles lists built-in roles followed by custom roles.
func (s *Service) GetAllRoles(ctx context.Context) ([]RoleInfo, error) {
	custom, err := s.repo.ListCustomRoles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RoleInfo, 0, len(BuiltinRoles())+len(custom))
	for _, role := range BuiltinRoles() {
		perms, _ := BuiltinPermissions(role)
		out = append(out, RoleInfo{Name: role, Permissions: perms, Level: HierarchyLevel(role), Builtin: true})
	}
	sort.Slice(custom, func(i, j int) bool { return custom[i].Name < custom[j].Name })
	for _, c := range custom {
		out = append(out, RoleInfo{Name: c.Name, Permissions: clonePermissions(c.Permissions)})
	}
	return out, nil
}

// GetRoleHierarchy returns the level table of built-in roles.
func (s *Service) GetRoleHierarchy() map[Role]int {
	return Hierarchy()
}

func (s *Service) permissionsOf(ctx context.Context, role Role) ([]Permission, error) {
	if perms, ok := BuiltinPermissions(role); ok {
		return perms, nil
	}
	custom, err := s.repo.GetCustomRole(ctx, role)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return custom.Permissions, nil
}

func (s *Service) maxLevel(ctx context.Context, userID int64) (int, error) {
	roles, err := s.GetUserRoles(ctx, userID)
	if err != nil {
		return 0, err
	}
	level := 0
	for _, r := range roles {
		if l := HierarchyLevel(r); l > level {
			level = l
		}
	}
	return level, nil
}

func normalizeRole(role Role) Role {
	return Role(strings.ToUpper(strings.TrimSpace(string(role))))
}
