package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/edulearn/authcore/internal/platform/httpx"
	"github.com/edulearn/authcore/internal/rbac"
	"github.com/edulearn/authcore/internal/security"
	"github.com/edulearn/authcore/internal/sessions"
	"github.com/edulearn/authcore/internal/shared"
)

// CookieConfig describes the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
	Domain string
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	sessions  *sessions.Manager
	csrf      *security.CSRF
	guard     rbac.Guard
	cookie    CookieConfig
	validator *validator.Validate
	audit     AuditRecorder
}

// AuditRecorder appends administrative actions to the audit trail.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, manager *sessions.Manager, csrf *security.CSRF, guard rbac.Guard, cookie CookieConfig) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		sessions:  manager,
		csrf:      csrf,
		guard:     guard,
		cookie:    cookie,
		validator: validator.New(),
	}
}

// WithAudit records administrative session revocations through rec.
func (h *Handler) WithAudit(rec AuditRecorder) *Handler {
	h.audit = rec
	return h
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Group(func(r chi.Router) {
		r.Use(RequireAuthenticated)
		r.Post("/logout", h.handleLogout)
		r.Post("/logout-all", h.handleLogoutAll)
		r.Post("/refresh", h.handleRefresh)
		r.Get("/me", h.handleMe)
		r.Get("/sessions", h.listSessions)
		r.Delete("/sessions/{handle}", h.revokeSession)
		r.Get("/csrf", h.issueCSRF)
	})
}

// MountAdminRoutes registers session administration routes.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Use(h.guard.Require(rbac.RouteAccess{Permissions: []rbac.Permission{rbac.PermSessionManage}}))
	r.Get("/sessions/stats", h.sessionStats)
	r.With(h.guard.RequireOwnership(rbac.URLParamOwner("userID"))).Delete("/users/{userID}/sessions", h.revokeUserSessions)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginResponse struct {
	SessionID    string              `json:"sessionId"`
	ExpiresAt    time.Time           `json:"expiresAt"`
	CSRFToken    string              `json:"csrfToken,omitempty"`
	Verification *sessions.Suspicion `json:"verification,omitempty"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	result, err := h.service.Login(r.Context(), req.Email, req.Password, security.ClientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, shared.ErrInvalidCredentials) {
			respondError(w, &shared.AuthenticationError{Reason: "invalid credentials"})
			return
		}
		h.logger.Error("login", slog.Any("error", err))
		respondError(w, err)
		return
	}

	resp := loginResponse{SessionID: result.Session.SessionID, ExpiresAt: result.Session.ExpiresAt}
	if result.Suspicion.IsSuspicious {
		resp.Verification = &result.Suspicion
	}
	if h.csrf != nil {
		token, err := h.csrf.EnsureToken(r.Context(), result.Session.SessionID)
		if err != nil {
			h.logger.Warn("issue csrf token", slog.Any("error", err))
		}
		resp.CSRFToken = token
	}
	h.setCookie(w, result.Session.SessionID, result.Session.ExpiresAt)
	h.logger.Info("login", slog.Int64("user_id", result.User.ID), slog.String("session", sessions.Handle(result.Session.SessionID)))
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if err := h.sessions.DestroySession(r.Context(), principal.SessionID); err != nil {
		h.logger.Error("destroy session", slog.Any("error", err))
		respondError(w, err)
		return
	}
	h.clearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	n, err := h.sessions.DestroyAllUserSessions(r.Context(), principal.UserID)
	if err != nil {
		h.logger.Error("destroy all sessions", slog.Int64("user_id", principal.UserID), slog.Any("error", err))
		respondError(w, err)
		return
	}
	h.clearCookie(w)
	httpx.JSON(w, http.StatusOK, map[string]int{"destroyed": n})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	refreshed, err := h.sessions.RefreshSession(r.Context(), principal.SessionID)
	if err != nil {
		h.logger.Error("refresh session", slog.Any("error", err))
		respondError(w, err)
		return
	}
	if refreshed == nil {
		respondError(w, &shared.AuthenticationError{Reason: "session expired"})
		return
	}
	if !principal.Bearer {
		h.setCookie(w, principal.SessionID, refreshed.ExpiresAt)
	}
	httpx.JSON(w, http.StatusOK, refreshed)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	user, err := h.service.Profile(r.Context(), principal.UserID)
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"id":          user.ID,
		"email":       user.Email,
		"roles":       principal.Roles,
		"permissions": principal.Permissions,
	})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	summaries, err := h.sessions.GetUserSessions(r.Context(), principal.UserID)
	if err != nil {
		respondError(w, err)
		return
	}
	current := sessions.Handle(principal.SessionID)
	for i := range summaries {
		summaries[i].Current = summaries[i].Handle == current
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

func (h *Handler) revokeSession(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if err := h.sessions.DestroyByHandle(r.Context(), principal.UserID, chi.URLParam(r, "handle")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) issueCSRF(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if h.csrf == nil || principal.Bearer {
		httpx.JSON(w, http.StatusOK, map[string]string{})
		return
	}
	token, err := h.csrf.EnsureToken(r.Context(), principal.SessionID)
	if err != nil {
		h.logger.Error("issue csrf token", slog.Any("error", err))
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}

func (h *Handler) sessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sessions.GetSessionStats(r.Context())
	if err != nil {
		h.logger.Error("session stats", slog.Any("error", err))
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) revokeUserSessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	n, err := h.sessions.DestroyAllUserSessions(r.Context(), userID)
	if err != nil {
		h.logger.Error("revoke user sessions", slog.Int64("user_id", userID), slog.Any("error", err))
		respondError(w, err)
		return
	}
	actor := shared.PrincipalFromContext(r.Context()).UserID
	h.logger.Info("sessions revoked", slog.Int64("user_id", userID), slog.Int64("actor", actor), slog.Int("count", n))
	if h.audit != nil {
		entry := shared.AuditLog{
			UserID:  userID,
			Action:  shared.AuditSessionsRevokedAll,
			Details: map[string]any{"revoked_by": actor, "count": n},
		}
		if err := h.audit.Record(r.Context(), entry); err != nil {
			h.logger.Warn("audit session revocation", slog.Any("error", err))
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"destroyed": n})
}

func (h *Handler) setCookie(w http.ResponseWriter, sessionID string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.cookie.Domain,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		Domain:   h.cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func respondError(w http.ResponseWriter, err error) {
	httpx.RespondError(w, err)
}
