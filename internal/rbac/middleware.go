package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/edulearn/authcore/internal/platform/httpx"
	"github.com/edulearn/authcore/internal/shared"
)

// Authorizer is the subset of Service consulted per request.
type Authorizer interface {
	HasAnyRole(ctx context.Context, userID int64, roles []Role) (bool, error)
	GetUserPermissions(ctx context.Context, userID int64) ([]Permission, error)
	CanManageUser(ctx context.Context, managerID, targetID int64) (bool, error)
}

// OwnerFunc resolves the user id owning the resource addressed by a request.
type OwnerFunc func(r *http.Request) (int64, error)

// Guard enforces RouteAccess declarations and resource ownership. It is
// stateless: each request is evaluated against the current role state.
type Guard struct {
	Service Authorizer
	Logger  *slog.Logger
}

// Authorize checks principal against access. Roles are OR-ed, permissions
// are AND-ed; an empty declaration passes.
func (g Guard) Authorize(ctx context.Context, principal *shared.Principal, access RouteAccess) error {
	if principal == nil {
		return &shared.AuthenticationError{Reason: "no principal"}
	}
	if len(access.Roles) > 0 {
		ok, err := g.Service.HasAnyRole(ctx, principal.UserID, access.Roles)
		if err != nil {
			return err
		}
		if !ok {
			return &shared.AuthorizationError{Reason: "insufficient role", Detail: "requires one of " + joinRoles(access.Roles)}
		}
	}
	if len(access.Permissions) > 0 {
		granted, err := g.Service.GetUserPermissions(ctx, principal.UserID)
		if err != nil {
			return err
		}
		if missing := missingPermissions(granted, access.Permissions); len(missing) > 0 {
			return &shared.AuthorizationError{Reason: "insufficient permissions", Detail: "missing " + joinPermissions(missing)}
		}
	}
	return nil
}

// AuthorizeOwnership grants self-access unconditionally and otherwise
// requires the principal to outrank the owner.
func (g Guard) AuthorizeOwnership(ctx context.Context, principal *shared.Principal, ownerID int64) error {
	if principal == nil {
		return &shared.AuthenticationError{Reason: "no principal"}
	}
	if principal.UserID == ownerID {
		return nil
	}
	ok, err := g.Service.CanManageUser(ctx, principal.UserID, ownerID)
	if err != nil {
		return err
	}
	if !ok {
		return &shared.AuthorizationError{Reason: "insufficient privileges", Detail: "cannot manage user " + strconv.FormatInt(ownerID, 10)}
	}
	return nil
}

// Require returns middleware enforcing access for the wrapped routes.
func (g Guard) Require(access RouteAccess) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := g.Authorize(r.Context(), shared.PrincipalFromContext(r.Context()), access); err != nil {
				g.reject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOwnership returns middleware enforcing AuthorizeOwnership on the
// user id resolved by owner.
func (g Guard) RequireOwnership(owner OwnerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				g.reject(w, r, &shared.AuthenticationError{Reason: "no principal"})
				return
			}
			ownerID, err := owner(r)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			if err := g.AuthorizeOwnership(r.Context(), principal, ownerID); err != nil {
				g.reject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// URLParamOwner reads the owner id from a chi URL parameter.
func URLParamOwner(param string) OwnerFunc {
	return func(r *http.Request) (int64, error) {
		raw := strings.TrimSpace(chi.URLParam(r, param))
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, httpx.ErrValidation
		}
		return id, nil
	}
}

func (g Guard) reject(w http.ResponseWriter, r *http.Request, err error) {
	if g.Logger != nil {
		var userID int64
		if p := shared.PrincipalFromContext(r.Context()); p != nil {
			userID = p.UserID
		}
		level := slog.LevelWarn
		if !shared.IsAuthentication(err) && !shared.IsAuthorization(err) {
			level = slog.LevelError
		}
		g.Logger.Log(r.Context(), level, "access denied",
			slog.String("path", r.URL.Path),
			slog.Int64("user_id", userID),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func missingPermissions(granted []Permission, required []Permission) []Permission {
	set := make(map[Permission]struct{}, len(granted))
	for _, p := range granted {
		set[p] = struct{}{}
	}
	var missing []Permission
	for _, p := range required {
		if _, ok := set[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

func joinPermissions(perms []Permission) string {
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

func joinRoles(roles []Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}
