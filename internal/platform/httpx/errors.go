// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/edulearn/authcore/internal/shared"
)

// Sentinel errors for request handling.
var (
	ErrValidation = errors.New("validation failed")
)

// RespondError maps domain errors to HTTP responses using RFC7807. Internal
// details (missing permission names, store failures) never reach the body.
func RespondError(w http.ResponseWriter, err error) {
	var (
		authnErr    *shared.AuthenticationError
		authzErr    *shared.AuthorizationError
		conflictErr *shared.ConflictError
		notFoundErr *shared.NotFoundError
		rateErr     *shared.RateLimitError
	)
	switch {
	case errors.As(err, &authnErr):
		Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
	case errors.As(err, &authzErr):
		Problem(w, http.StatusForbidden, "Forbidden", authzErr.Reason)
	case errors.As(err, &conflictErr):
		Problem(w, http.StatusConflict, "Conflict", conflictErr.Error())
	case errors.As(err, &notFoundErr):
		Problem(w, http.StatusNotFound, "Not Found", notFoundErr.Error())
	case errors.As(err, &rateErr):
		if rateErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds()+0.5)))
		}
		Problem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded")
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrCSRFTokenMissing), errors.Is(err, shared.ErrCSRFTokenMismatch):
		Problem(w, http.StatusForbidden, "Forbidden", "csrf validation failed")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
