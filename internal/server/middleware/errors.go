// Package middleware holds the HTTP middleware shared by every route.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/tunedispatch/internal/errors"
	"github.com/3leaps/tunedispatch/internal/observability"
)

// ErrorResponse is the JSON error envelope written by the middleware.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a handler panic into a 500 INTERNAL_ERROR response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			requestID := apperrors.RequestIDFromContext(r.Context())
			observability.ServerLogger.Error("panic recovered",
				zap.Any("panic", rec),
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()))

			writeErrorResponse(w, apperrors.ErrorBody{
				Code:      apperrors.CodeInternal,
				Message:   fmt.Sprintf("panic: %v", rec),
				RequestID: requestID,
			}, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name used by the router setup.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, body apperrors.ErrorBody, status int) {
	apperrors.WriteError(w, status, body)
}
