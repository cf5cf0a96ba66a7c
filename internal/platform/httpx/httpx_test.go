package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angtu-eios/portal/internal/shared"
)

func TestRespondErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("login: %w", shared.ErrInvalidCredentials), http.StatusUnauthorized},
		{shared.ErrSessionExpired, http.StatusUnauthorized},
		{shared.ErrForbidden, http.StatusForbidden},
		{shared.ErrNotFound, http.StatusNotFound},
		{shared.ErrNetwork, http.StatusBadGateway},
		{shared.NewValidationError(map[string]string{"Email": "required"}), http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
	}
}

func TestRespondErrorCarriesFieldsAndRedirect(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, shared.NewValidationError(map[string]string{"Email": "required"}))
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "required", problem.Fields["Email"])

	rec = httptest.NewRecorder()
	RespondError(rec, shared.ErrSessionExpired)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "/login", problem.Redirect)
}
