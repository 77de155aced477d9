package restclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/3leaps/tunedispatch/pkg/provider"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int

	// Message is the server-provided message, if the body carried one.
	Message string

	// Err is the taxonomy sentinel for the status code, or nil.
	Err error
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %d %s: %v", e.Method, e.Path, e.StatusCode, msg, e.Err)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, msg)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// SentinelForStatus maps an HTTP status code onto the provider taxonomy.
func SentinelForStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return provider.ErrInvalidCredentials
	case code == http.StatusNotFound, code == http.StatusGone:
		return provider.ErrNotFound
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return provider.ErrInvalidConfig
	case code == http.StatusTooManyRequests:
		return provider.ErrThrottled
	case code == http.StatusNotImplemented:
		return provider.ErrUnsupported
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return provider.ErrTimeout
	case code >= 500:
		return provider.ErrProviderUnavailable
	default:
		return nil
	}
}

func newStatusError(method, path string, resp *http.Response) *StatusError {
	serr := &StatusError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Err:        SentinelForStatus(resp.StatusCode),
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	serr.Message = extractMessage(body)
	return serr
}

// extractMessage understands {"error":{"message":...}}, {"error":"..."} and
// {"message":"..."} bodies, falling back to trimmed text.
func extractMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if len(envelope.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
			var flat string
			if json.Unmarshal(envelope.Error, &flat) == nil && flat != "" {
				return flat
			}
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}

	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	return trimmed
}
