package shared

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a uniqueness violation in the durable store.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

// AuthenticationError reports a missing, invalid or expired principal.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	if e.Reason == "" {
		return "authentication required"
	}
	return "authentication required: " + e.Reason
}

// AuthorizationError reports a principal lacking a role, permission or
// ownership. Detail is meant for logs and is never rendered to clients.
type AuthorizationError struct {
	Reason string
	Detail string
}

func (e *AuthorizationError) Error() string {
	if e.Detail == "" {
		return "forbidden: " + e.Reason
	}
	return fmt.Sprintf("forbidden: %s (%s)", e.Reason, e.Detail)
}

// ConflictError reports a duplicate role assignment or role name.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Resource, e.Key)
}

// NotFoundError reports a missing role assignment or custom role.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

// Is lets callers match NotFoundError against ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// RateLimitError reports a sliding-window or DDoS rejection.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
	Source     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s, limit %d)", e.Source, e.Limit)
}

// IsAuthentication reports whether err carries an AuthenticationError.
func IsAuthentication(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

// IsAuthorization reports whether err carries an AuthorizationError.
func IsAuthorization(err error) bool {
	var target *AuthorizationError
	return errors.As(err, &target)
}

// IsConflict reports whether err carries a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsRateLimit reports whether err carries a RateLimitError.
func IsRateLimit(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}
