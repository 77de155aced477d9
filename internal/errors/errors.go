// Package errors maps dispatcher errors onto the HTTP error envelope and
// provides the application error type used by the CLI and server.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/3leaps/tunedispatch/pkg/jobregistry"
	"github.com/3leaps/tunedispatch/pkg/provider"
)

// Error codes of the HTTP envelope.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeNoCapacity         = "NO_CAPACITY"
	CodeThrottled          = "THROTTLED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeNotImplemented     = "NOT_IMPLEMENTED"
	CodeBadGateway         = "BAD_GATEWAY"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_UNAVAILABLE"
	CodeTimeout            = "GATEWAY_TIMEOUT"
)

// ErrorBody is the "error" member of HTTPErrorResponse.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// AppError carries an explicit HTTP status and code.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e with details attached.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	out := *e
	out.Details = details
	return &out
}

// New creates an AppError.
func New(status int, code, message string) *AppError {
	return &AppError{Status: status, Code: code, Message: message}
}

// NewBadRequest reports an invalid request body or parameter.
func NewBadRequest(message string, err error) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message, Err: err}
}

// NewNotFound reports a missing resource.
func NewNotFound(message string) *AppError {
	return New(http.StatusNotFound, CodeNotFound, message)
}

// NewServiceUnavailable reports a failed dependency of the server itself.
func NewServiceUnavailable(message string) *AppError {
	return New(http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

// NewExternalServiceError reports an unreachable external service.
func NewExternalServiceError(message string) *AppError {
	return New(http.StatusServiceUnavailable, CodeExternalService, message)
}

// WrapInternal wraps an unexpected error. A cancelled context is reported
// as a timeout.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	if ctx != nil && ctx.Err() != nil {
		return &AppError{Status: http.StatusGatewayTimeout, Code: CodeTimeout, Message: message, Err: err}
	}
	return &AppError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: message, Err: err}
}

// Classify maps an error onto an HTTP status and envelope code.
func Classify(err error) (int, string) {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Status, app.Code
	}
	switch {
	case err == nil:
		return http.StatusOK, ""
	case provider.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case provider.IsUnsupported(err):
		return http.StatusNotImplemented, CodeNotImplemented
	case provider.IsInvalidCredentials(err):
		return http.StatusUnauthorized, CodeUnauthorized
	case provider.IsAccessDenied(err):
		return http.StatusForbidden, CodeForbidden
	case provider.IsConfigError(err):
		return http.StatusBadRequest, CodeBadRequest
	case stderrors.Is(err, jobregistry.ErrDuplicateJob):
		return http.StatusConflict, CodeConflict
	case stderrors.Is(err, provider.ErrNoCapacity):
		return http.StatusConflict, CodeNoCapacity
	case stderrors.Is(err, provider.ErrProvision):
		return http.StatusBadGateway, CodeBadGateway
	case provider.IsThrottled(err):
		return http.StatusTooManyRequests, CodeThrottled
	case provider.IsTimeout(err), stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	case stderrors.Is(err, provider.ErrNotConnected), provider.IsTransient(err):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RespondWithError writes err as an HTTPErrorResponse.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	body := ErrorBody{Code: code, Message: err.Error()}
	var app *AppError
	if stderrors.As(err, &app) {
		body.Message = app.Message
		body.Details = app.Details
	}
	if r != nil {
		body.RequestID = RequestIDFromContext(r.Context())
	}
	WriteError(w, status, body)
}

// WriteError writes an error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, body ErrorBody) {
	WriteJSON(w, status, HTTPErrorResponse{Error: body})
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type requestIDKey struct{}

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
