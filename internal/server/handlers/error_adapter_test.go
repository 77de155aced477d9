package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/tunedispatch/internal/errors"
	"github.com/3leaps/tunedispatch/pkg/provider"
)

func TestSetHTTPErrorResponder(t *testing.T) {
	defer ResetHTTPErrorResponder()

	var captured error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		captured = err
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/x", nil), provider.ErrNotFound)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.ErrorIs(t, captured, provider.ErrNotFound)
}

func TestDefaultResponder_ProviderErrors(t *testing.T) {
	SetHTTPErrorResponder(nil)

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown job", fmt.Errorf("job 42: %w", provider.ErrNotFound), http.StatusNotFound, apperrors.CodeNotFound},
		{"unsupported", provider.ErrUnsupported, http.StatusNotImplemented, apperrors.CodeNotImplemented},
		{"no capacity", provider.ErrNoCapacity, http.StatusConflict, apperrors.CodeNoCapacity},
		{"unreachable", provider.ErrProviderUnavailable, http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Equal(t, tt.err.Error(), body.Error.Message)
		})
	}
}
