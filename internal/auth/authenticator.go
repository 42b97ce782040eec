package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/edulearn/authcore/internal/sessions"
	"github.com/edulearn/authcore/internal/shared"
)

// SessionValidator resolves a session id into its cached payload.
type SessionValidator interface {
	ValidateSession(ctx context.Context, sessionID string) (*sessions.Data, error)
}

// Authenticator attaches the principal of a valid session to the request
// context. Requests without a valid session continue anonymously; routes
// decide whether a principal is required.
type Authenticator struct {
	Sessions   SessionValidator
	CookieName string
	Logger     *slog.Logger
}

// Middleware implements the authenticator.
func (a Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, bearer := a.sessionID(r)
		if sessionID == "" {
			next.ServeHTTP(w, r)
			return
		}
		data, err := a.Sessions.ValidateSession(r.Context(), sessionID)
		if err != nil {
			// fail closed: the cache is the only source of truth here
			if a.Logger != nil {
				a.Logger.Error("session validation unavailable", slog.Any("error", err))
			}
			next.ServeHTTP(w, r)
			return
		}
		if data == nil {
			next.ServeHTTP(w, r)
			return
		}
		principal := &shared.Principal{
			UserID:      data.UserID,
			SessionID:   data.SessionID,
			Roles:       data.Roles,
			Permissions: data.Permissions,
			Bearer:      bearer,
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
	})
}

// RequireAuthenticated rejects requests without a principal.
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shared.PrincipalFromContext(r.Context()) == nil {
			respondError(w, &shared.AuthenticationError{Reason: "no valid session"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a Authenticator) sessionID(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token), true
		}
	}
	if a.CookieName != "" {
		if cookie, err := r.Cookie(a.CookieName); err == nil {
			return cookie.Value, false
		}
	}
	return "", false
}
