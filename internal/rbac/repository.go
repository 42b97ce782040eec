package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edulearn/authcore/internal/platform/db"
	"github.com/edulearn/authcore/internal/shared"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// ErrDuplicate indicates a uniqueness violation.
var ErrDuplicate = errors.New("rbac: duplicate")

// Repository persists role assignments, custom roles and their audit trail.
// Mutations append the supplied audit entry atomically with the change.
type Repository interface {
	ActiveUserRoles(ctx context.Context, userID int64) ([]UserRole, error)
	CreateUserRole(ctx context.Context, ur UserRole, audit shared.AuditLog) error
	DeactivateUserRole(ctx context.Context, userID int64, role Role, removedBy int64, at time.Time, audit shared.AuditLog) error
	GetCustomRole(ctx context.Context, name Role) (CustomRole, error)
	ListCustomRoles(ctx context.Context) ([]CustomRole, error)
	CreateCustomRole(ctx context.Context, role CustomRole, audit shared.AuditLog) error
	UpdateCustomRolePermissions(ctx context.Context, name Role, perms []Permission, updatedBy int64, at time.Time, audit shared.AuditLog) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// ActiveUserRoles lists the active assignments of a user.
func (r *PGRepository) ActiveUserRoles(ctx context.Context, userID int64) ([]UserRole, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, user_id, role, assigned_by, assigned_at, removed_by, removed_at, is_active
FROM user_roles WHERE user_id = $1 AND is_active ORDER BY assigned_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: list user roles: %w", err)
	}
	defer rows.Close()
	var out []UserRole
	for rows.Next() {
		var ur UserRole
		var role string
		if err := rows.Scan(&ur.ID, &ur.UserID, &role, &ur.AssignedBy, &ur.AssignedAt, &ur.RemovedBy, &ur.RemovedAt, &ur.IsActive); err != nil {
			return nil, err
		}
		ur.Role = Role(role)
		out = append(out, ur)
	}
	return out, rows.Err()
}

// CreateUserRole inserts an active assignment. The partial unique index on
// (user_id, role) WHERE is_active turns concurrent duplicates into ErrDuplicate.
func (r *PGRepository) CreateUserRole(ctx context.Context, ur UserRole, audit shared.AuditLog) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO user_roles (id, user_id, role, assigned_by, assigned_at, is_active) VALUES ($1, $2, $3, $4, $5, TRUE)`,
			ur.ID, ur.UserID, string(ur.Role), ur.AssignedBy, ur.AssignedAt)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("rbac: insert user role: %w", err)
		}
		return shared.InsertAuditLog(ctx, tx, audit)
	})
}

// DeactivateUserRole soft-deletes the active assignment of role.
func (r *PGRepository) DeactivateUserRole(ctx context.Context, userID int64, role Role, removedBy int64, at time.Time, audit shared.AuditLog) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE user_roles SET is_active = FALSE, removed_by = $3, removed_at = $4
WHERE user_id = $1 AND role = $2 AND is_active`, userID, string(role), removedBy, at)
		if err != nil {
			return fmt.Errorf("rbac: deactivate user role: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return shared.InsertAuditLog(ctx, tx, audit)
	})
}

// GetCustomRole fetches a custom role by name.
func (r *PGRepository) GetCustomRole(ctx context.Context, name Role) (CustomRole, error) {
	row := r.pool.QueryRow(ctx, `SELECT name, permissions, created_by, created_at, updated_by, updated_at FROM custom_roles WHERE name = $1`, string(name))
	role, err := scanCustomRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CustomRole{}, ErrNotFound
		}
		return CustomRole{}, fmt.Errorf("rbac: get custom role: %w", err)
	}
	return role, nil
}

// ListCustomRoles returns all custom roles ordered by name.
func (r *PGRepository) ListCustomRoles(ctx context.Context) ([]CustomRole, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, permissions, created_by, created_at, updated_by, updated_at FROM custom_roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list custom roles: %w", err)
	}
	defer rows.Close()
	var out []CustomRole
	for rows.Next() {
		role, err := scanCustomRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// CreateCustomRole inserts a custom role.
func (r *PGRepository) CreateCustomRole(ctx context.Context, role CustomRole, audit shared.AuditLog) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO custom_roles (name, permissions, created_by, created_at) VALUES ($1, $2, $3, $4)`,
			string(role.Name), permissionStrings(role.Permissions), role.CreatedBy, role.CreatedAt)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("rbac: insert custom role: %w", err)
		}
		return shared.InsertAuditLog(ctx, tx, audit)
	})
}

// UpdateCustomRolePermissions replaces the permission list of a custom role.
func (r *PGRepository) UpdateCustomRolePermissions(ctx context.Context, name Role, perms []Permission, updatedBy int64, at time.Time, audit shared.AuditLog) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE custom_roles SET permissions = $2, updated_by = $3, updated_at = $4 WHERE name = $1`,
			string(name), permissionStrings(perms), updatedBy, at)
		if err != nil {
			return fmt.Errorf("rbac: update custom role: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return shared.InsertAuditLog(ctx, tx, audit)
	})
}

func scanCustomRole(row pgx.Row) (CustomRole, error) {
	var (
		role  CustomRole
		name  string
		perms []string
	)
	if err := row.Scan(&name, &perms, &role.CreatedBy, &role.CreatedAt, &role.UpdatedBy, &role.UpdatedAt); err != nil {
		return CustomRole{}, err
	}
	role.Name = Role(name)
	role.Permissions = make([]Permission, len(perms))
	for i, p := range perms {
		role.Permissions[i] = Permission(p)
	}
	return role, nil
}

func permissionStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

var _ Repository = (*PGRepository)(nil)
