package rbac

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/edulearn/authcore/internal/platform/httpx"
	"github.com/edulearn/authcore/internal/shared"
)

// Handler exposes role management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     Guard
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard Guard) *Handler {
	return &Handler{logger: logger, service: service, guard: guard, validator: validator.New()}
}

// MountRoutes registers role catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.guard.Require(RouteAccess{Permissions: []Permission{PermRoleRead}})).Get("/", h.listRoles)
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(RouteAccess{Permissions: []Permission{PermRoleManage}}))
		r.Post("/", h.createRole)
		r.Put("/{name}/permissions", h.updateRolePermissions)
	})
}

// MountUserRoutes registers per-user role assignment routes.
func (h *Handler) MountUserRoutes(r chi.Router) {
	owner := URLParamOwner("userID")
	r.With(h.guard.RequireOwnership(owner)).Get("/{userID}/roles", h.listUserRoles)
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(RouteAccess{Permissions: []Permission{PermRoleAssign}}))
		r.Use(h.requireManage(owner))
		r.Post("/{userID}/roles", h.assignRole)
		r.Delete("/{userID}/roles/{role}", h.removeRole)
	})
}

type createRoleRequest struct {
	Name        string   `json:"name" validate:"required,min=3,max=64"`
	Permissions []string `json:"permissions" validate:"dive,required,contains=:"`
}

type updatePermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"dive,required,contains=:"`
}

type assignRoleRequest struct {
	Role string `json:"role" validate:"required,max=64"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.GetAllRoles(r.Context())
	if err != nil {
		h.fail(w, r, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"roles":     roles,
		"hierarchy": h.service.GetRoleHierarchy(),
	})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	principal := shared.PrincipalFromContext(r.Context())
	role, err := h.service.CreateCustomRole(r.Context(), Role(req.Name), toPermissions(req.Permissions), principal.UserID)
	if err != nil {
		h.fail(w, r, "create custom role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, RoleInfo{Name: role.Name, Permissions: role.Permissions})
}

func (h *Handler) updateRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req updatePermissionsRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	principal := shared.PrincipalFromContext(r.Context())
	name := Role(chi.URLParam(r, "name"))
	if err := h.service.UpdateRolePermissions(r.Context(), name, toPermissions(req.Permissions), principal.UserID); err != nil {
		h.fail(w, r, "update role permissions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, _ := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	roles, err := h.service.GetUserRoles(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "list user roles", err)
		return
	}
	perms, err := h.service.GetUserPermissions(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "list user permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "roles": roles, "permissions": perms})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	userID, _ := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	principal := shared.PrincipalFromContext(r.Context())
	if err := h.service.AssignRole(r.Context(), userID, Role(req.Role), principal.UserID); err != nil {
		h.fail(w, r, "assign role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	userID, _ := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	principal := shared.PrincipalFromContext(r.Context())
	if err := h.service.RemoveRole(r.Context(), userID, Role(chi.URLParam(r, "role")), principal.UserID); err != nil {
		h.fail(w, r, "remove role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireManage demands that the principal outranks the target. Unlike
// RequireOwnership, acting on oneself is not exempt.
func (h *Handler) requireManage(owner OwnerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			target, err := owner(r)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			ok, err := h.service.CanManageUser(r.Context(), principal.UserID, target)
			if err != nil {
				h.fail(w, r, "can manage user", err)
				return
			}
			if !ok {
				h.guard.reject(w, r, &shared.AuthorizationError{Reason: "insufficient privileges", Detail: "target not outranked"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return err
	}
	if err := h.validator.Struct(target); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if h.logger != nil && !shared.IsConflict(err) && !shared.IsAuthorization(err) {
		h.logger.Warn(op, slog.Int64("actor", actorID(r)), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func actorID(r *http.Request) int64 {
	if p := shared.PrincipalFromContext(r.Context()); p != nil {
		return p.UserID
	}
	return 0
}

func toPermissions(raw []string) []Permission {
	out := make([]Permission, len(raw))
	for i, p := range raw {
		out[i] = Permission(p)
	}
	return out
}
