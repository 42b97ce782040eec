package rbac

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/edulearn/authcore/internal/shared"
)

// MemoryRepository is an in-process Repository. State is not shared between
// instances, so it only suits single-instance deployments and tests.
type MemoryRepository struct {
	mu          sync.Mutex
	assignments []UserRole
	custom      map[Role]CustomRole
	audit       []shared.AuditLog
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{custom: make(map[Role]CustomRole)}
}

func (m *MemoryRepository) ActiveUserRoles(ctx context.Context, userID int64) ([]UserRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UserRole
	for _, a := range m.assignments {
		if a.UserID == userID && a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryRepository) CreateUserRole(ctx context.Context, ur UserRole, audit shared.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assignments {
		if a.UserID == ur.UserID && a.Role == ur.Role && a.IsActive {
			return ErrDuplicate
		}
	}
	m.assignments = append(m.assignments, ur)
	m.audit = append(m.audit, audit)
	return nil
}

func (m *MemoryRepository) DeactivateUserRole(ctx context.Context, userID int64, role Role, removedBy int64, at time.Time, audit shared.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for i := range m.assignments {
		a := &m.assignments[i]
		if a.UserID == userID && a.Role == role && a.IsActive {
			a.IsActive = false
			by, ts := removedBy, at
			a.RemovedBy = &by
			a.RemovedAt = &ts
			found = true
		}
	}
	if !found {
		return ErrNotFound
	}
	m.audit = append(m.audit, audit)
	return nil
}

func (m *MemoryRepository) GetCustomRole(ctx context.Context, name Role) (CustomRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.custom[name]
	if !ok {
		return CustomRole{}, ErrNotFound
	}
	return role, nil
}

func (m *MemoryRepository) ListCustomRoles(ctx context.Context) ([]CustomRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CustomRole, 0, len(m.custom))
	for _, r := range m.custom {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryRepository) CreateCustomRole(ctx context.Context, role CustomRole, audit shared.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.custom[role.Name]; ok {
		return ErrDuplicate
	}
	m.custom[role.Name] = role
	m.audit = append(m.audit, audit)
	return nil
}

func (m *MemoryRepository) UpdateCustomRolePermissions(ctx context.Context, name Role, perms []Permission, updatedBy int64, at time.Time, audit shared.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.custom[name]
	if !ok {
		return ErrNotFound
	}
	role.Permissions = perms
	by, ts := updatedBy, at
	role.UpdatedBy = &by
	role.UpdatedAt = &ts
	m.custom[name] = role
	m.audit = append(m.audit, audit)
	return nil
}

// History returns every assignment of userID, active or not, in creation order.
func (m *MemoryRepository) History(userID int64) []UserRole {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UserRole
	for _, a := range m.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out
}

// AuditTrail returns a copy of the recorded audit entries.
func (m *MemoryRepository) AuditTrail() []shared.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]shared.AuditLog(nil), m.audit...)
}

var _ Repository = (*MemoryRepository)(nil)
