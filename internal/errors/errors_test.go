package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/tunedispatch/pkg/jobregistry"
	"github.com/3leaps/tunedispatch/pkg/provider"
)

func TestClassify(t *testing.T) {
	wrap := func(err error) error {
		return &provider.ProviderError{Op: "GetJobStatus", Provider: provider.ProviderSSH, JobID: "j1", Err: err}
	}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", wrap(provider.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{"unsupported", fmt.Errorf("logs: %w", provider.ErrUnsupported), http.StatusNotImplemented, CodeNotImplemented},
		{"config", &provider.ConfigError{Field: "rank", Message: "required"}, http.StatusBadRequest, CodeBadRequest},
		{"missing credential", wrap(provider.ErrMissingCredential), http.StatusBadRequest, CodeBadRequest},
		{"invalid credentials", wrap(provider.ErrInvalidCredentials), http.StatusUnauthorized, CodeUnauthorized},
		{"access denied", wrap(provider.ErrAccessDenied), http.StatusForbidden, CodeForbidden},
		{"duplicate", fmt.Errorf("%w: j1", jobregistry.ErrDuplicateJob), http.StatusConflict, CodeConflict},
		{"no capacity", wrap(provider.ErrNoCapacity), http.StatusConflict, CodeNoCapacity},
		{"provision", wrap(provider.ErrProvision), http.StatusBadGateway, CodeBadGateway},
		{"throttled", wrap(provider.ErrThrottled), http.StatusTooManyRequests, CodeThrottled},
		{"timeout", wrap(provider.ErrTimeout), http.StatusGatewayTimeout, CodeTimeout},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, CodeTimeout},
		{"unavailable", wrap(provider.ErrProviderUnavailable), http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"no connection", wrap(provider.ErrNoConnection), http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"not connected", provider.ErrNotConnected, http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"app error", NewNotFound("nope"), http.StatusNotFound, CodeNotFound},
		{"unknown", stderrors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestRespondWithError(t *testing.T) {
	t.Run("provider error", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/jobs/x", nil)
		req = req.WithContext(WithRequestID(req.Context(), "req-1"))
		rec := httptest.NewRecorder()

		RespondWithError(rec, req, fmt.Errorf("job x: %w", provider.ErrNotFound))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body HTTPErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, CodeNotFound, body.Error.Code)
		assert.Equal(t, "job x: not found", body.Error.Message)
		assert.Equal(t, "req-1", body.Error.RequestID)
	})

	t.Run("app error details", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()

		err := NewServiceUnavailable("unhealthy").WithDetails(map[string]any{"checks": map[string]string{"db": "unhealthy"}})
		RespondWithError(rec, req, err)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var body HTTPErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "unhealthy", body.Error.Message)
		assert.Contains(t, body.Error.Details, "checks")
		assert.Empty(t, body.Error.RequestID)
	})
}

func TestWrapInternal(t *testing.T) {
	cause := stderrors.New("disk gone")

	err := WrapInternal(context.Background(), cause, "cannot read config dir")
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "cannot read config dir: disk gone", err.Error())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = WrapInternal(ctx, cause, "cancelled")
	assert.Equal(t, CodeTimeout, err.Code)
}

func TestNewExternalServiceError(t *testing.T) {
	err := NewExternalServiceError("tracking service unavailable")
	assert.Equal(t, http.StatusServiceUnavailable, err.Status)
	assert.Equal(t, CodeExternalService, err.Code)
	assert.Equal(t, "tracking service unavailable", err.Error())
}
