package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/tunedispatch/internal/errors"
)

// RequestLogger logs one line per request at debug level, or warn for
// server errors. Health probes are not logged.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			if isProbe(r.URL.Path) && ww.Status() < http.StatusInternalServerError {
				return
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", statusOf(ww)),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", apperrors.RequestIDFromContext(r.Context())),
			}
			if ww.Status() >= http.StatusInternalServerError {
				log.Warn("request failed", fields...)
				return
			}
			log.Debug("request", fields...)
		})
	}
}

func statusOf(ww chimw.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}

func isProbe(path string) bool {
	switch path {
	case "/health", "/health/live", "/health/ready", "/health/startup", "/metrics":
		return true
	}
	return false
}
