package shared

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrAuth is the parent of every failure to establish a session.
	ErrAuth = errors.New("authentication failed")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = &authError{msg: "invalid credentials"}
	// ErrProfileUnavailable occurs when the identity cannot be fetched after login.
	ErrProfileUnavailable = &authError{msg: "profile unavailable"}
	// ErrValidation indicates malformed user input.
	ErrValidation = errors.New("validation failed")
	// ErrSessionExpired occurs when the refresh token is absent or rejected.
	ErrSessionExpired = errors.New("session expired")
	// ErrNetwork indicates a transient transport failure talking to the API.
	ErrNetwork = errors.New("network unavailable")
	// ErrUnauthorized mirrors an HTTP 401 from the API.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden mirrors an HTTP 403 from the API or a failed permission check.
	ErrForbidden = errors.New("forbidden")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

type authError struct {
	msg string
}

func (e *authError) Error() string { return e.msg }

func (e *authError) Is(target error) bool { return target == ErrAuth }

// ValidationError carries per-field messages for inline display.
type ValidationError struct {
	Fields  map[string]string
	Message string
}

// NewValidationError builds a ValidationError from field messages.
func NewValidationError(fields map[string]string) *ValidationError {
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
