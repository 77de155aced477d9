// Package server is the HTTP front end for tunedispatch: health probes,
// version, the /v1 job API and an optional admin endpoint.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/tunedispatch/internal/errors"
	"github.com/3leaps/tunedispatch/internal/server/handlers"
	"github.com/3leaps/tunedispatch/internal/server/middleware"
)

// AdminTokenEnv enables POST /admin/signal when set to a non-empty token.
const AdminTokenEnv = "TUNEDISPATCH_ADMIN_TOKEN"

// Admin signals.
const (
	SignalFlush    = "flush"
	SignalShutdown = "shutdown"
)

// SignalFunc handles an admin signal.
type SignalFunc func(ctx context.Context, signal string) error

type options struct {
	jobs         *handlers.JobHandler
	metrics      http.Handler
	pprof        bool
	log          *zap.Logger
	onSignal     SignalFunc
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// Option configures a Server.
type Option func(*options)

// WithJobs mounts the job API under /v1.
func WithJobs(h *handlers.JobHandler) Option {
	return func(o *options) { o.jobs = h }
}

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

// WithProfiler mounts net/http/pprof under /debug.
func WithProfiler(enabled bool) Option {
	return func(o *options) { o.pprof = enabled }
}

// WithLogger sets the request logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithSignalHandler handles admin signals.
func WithSignalHandler(fn SignalFunc) Option {
	return func(o *options) { o.onSignal = fn }
}

// WithTimeouts sets the http.Server timeouts. Zero keeps the default.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(o *options) {
		if read > 0 {
			o.readTimeout = read
		}
		if write > 0 {
			o.writeTimeout = write
		}
		if idle > 0 {
			o.idleTimeout = idle
		}
	}
}

// Server is the HTTP server.
type Server struct {
	host   string
	port   int
	router chi.Router
	http   *http.Server
	opts   options
}

// New builds the router. Nothing listens until Start.
func New(host string, port int, opts ...Option) *Server {
	o := options{
		log:          zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}

	s := &Server{host: host, port: port, opts: o}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       o.readTimeout,
		WriteTimeout:      o.writeTimeout,
		IdleTimeout:       o.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(s.opts.log))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.New(http.StatusNotFound, apperrors.CodeNotFound,
			fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.New(http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed,
			fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path)))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.opts.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.metrics)
	}
	if s.opts.pprof {
		r.Mount("/debug", chimw.Profiler())
	}
	if s.opts.jobs != nil {
		r.Route("/v1", s.opts.jobs.Routes)
	}
	s.registerAdminEndpoint(r)
	return r
}

// registerAdminEndpoint mounts POST /admin/signal when an admin token is
// configured. Requests must carry it as a bearer token.
func (s *Server) registerAdminEndpoint(r chi.Router) {
	token := strings.TrimSpace(os.Getenv(AdminTokenEnv))
	if token == "" {
		return
	}
	r.Post("/admin/signal", func(w http.ResponseWriter, r *http.Request) {
		given := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			apperrors.RespondWithError(w, r, apperrors.New(http.StatusUnauthorized, apperrors.CodeUnauthorized, "invalid admin token"))
			return
		}
		var req struct {
			Signal string `json:"signal"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.RespondWithError(w, r, apperrors.NewBadRequest("invalid request body", err))
			return
		}
		switch req.Signal {
		case SignalFlush, SignalShutdown:
		default:
			apperrors.RespondWithError(w, r, apperrors.NewBadRequest(
				fmt.Sprintf("signal must be %s or %s", SignalFlush, SignalShutdown), nil))
			return
		}
		if s.opts.onSignal == nil {
			apperrors.RespondWithError(w, r, apperrors.New(http.StatusNotImplemented, apperrors.CodeNotImplemented, "signals are not handled"))
			return
		}
		s.opts.log.Info("admin signal received", zap.String("signal", req.Signal))
		if err := s.opts.onSignal(r.Context(), req.Signal); err != nil {
			apperrors.RespondWithError(w, r, err)
			return
		}
		apperrors.WriteJSON(w, http.StatusAccepted, map[string]string{"signal": req.Signal})
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.opts.log.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
