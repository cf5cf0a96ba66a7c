// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/angtu-eios/portal/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var validation *shared.ValidationError
	switch {
	case errors.As(err, &validation):
		WriteProblem(w, ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: validation.Error(),
			Fields: validation.Fields,
		})
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrAuth):
		Problem(w, http.StatusUnauthorized, "Authentication Failed", err.Error())
	case errors.Is(err, shared.ErrSessionExpired):
		WriteProblem(w, ProblemDetail{
			Title:    "Session Expired",
			Status:   http.StatusUnauthorized,
			Detail:   err.Error(),
			Redirect: "/login",
		})
	case errors.Is(err, shared.ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrNetwork):
		Problem(w, http.StatusBadGateway, "Service Unavailable", "the portal could not reach the API, try again later")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
