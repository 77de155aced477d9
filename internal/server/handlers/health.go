package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/tunedispatch/internal/errors"
)

// Check results and overall statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
	StatusTimeout   = "timeout"
)

// DefaultCheckTimeout bounds one health check.
const DefaultCheckTimeout = 2 * time.Second

// HealthChecker is one named dependency check.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// HealthResponse is the body of a successful health probe.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager runs the registered checkers for the health endpoints.
type HealthManager struct {
	version   string
	startedAt time.Time
	timeout   time.Duration

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager creates a manager reporting version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:   version,
		startedAt: time.Now(),
		timeout:   DefaultCheckTimeout,
		checkers:  make(map[string]HealthChecker),
	}
}

// RegisterChecker adds or replaces a named checker.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// Checkers returns the registered names, sorted.
func (m *HealthManager) Checkers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// runChecks runs every checker concurrently, each with its own timeout.
func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			status := StatusHealthy
			if err := checker.CheckHealth(cctx); err != nil {
				status = StatusUnhealthy
				if errors.Is(err, context.DeadlineExceeded) || cctx.Err() != nil {
					status = StatusTimeout
				}
			}
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()
	return results
}

// determineOverallStatus is unhealthy if any check failed, degraded if any
// timed out, and healthy otherwise.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	overall := StatusHealthy
	for _, status := range checks {
		switch status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusTimeout:
			overall = StatusDegraded
		}
	}
	return overall
}

// HealthHandler reports every check. Unhealthy returns 503.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)
	if status == StatusUnhealthy {
		respondWithError(w, r, apperrors.NewServiceUnavailable("service is unhealthy").WithDetails(map[string]any{
			"status": status,
			"checks": checks,
		}))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, m.response(status, checks))
}

// LivenessHandler reports that the process is serving requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, m.response("alive", nil))
}

// ReadinessHandler reports whether requests can be handled. Degraded is
// not ready.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)
	if status != StatusHealthy {
		respondWithError(w, r, apperrors.NewServiceUnavailable("service is not ready").WithDetails(map[string]any{
			"status": status,
			"checks": checks,
		}))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, m.response("ready", checks))
}

// StartupHandler reports that initialisation finished.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, m.response("started", nil))
}

func (m *HealthManager) response(status string, checks map[string]string) HealthResponse {
	return HealthResponse{
		Status:    status,
		Version:   m.version,
		Uptime:    time.Since(m.startedAt).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	}
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the process health manager.
func InitHealthManager(version string) *HealthManager {
	m := NewHealthManager(version)
	globalMu.Lock()
	globalHealthManager = m
	globalMu.Unlock()
	return m
}

// GetHealthManager returns the process health manager, or nil.
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

func withManager(fn func(m *HealthManager, w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := GetHealthManager()
		if m == nil {
			respondWithError(w, r, apperrors.NewServiceUnavailable("health manager not initialized"))
			return
		}
		fn(m, w, r)
	}
}

// Package-level handlers backed by the process health manager.
var (
	HealthHandler    = withManager((*HealthManager).HealthHandler)
	LivenessHandler  = withManager((*HealthManager).LivenessHandler)
	ReadinessHandler = withManager((*HealthManager).ReadinessHandler)
	StartupHandler   = withManager((*HealthManager).StartupHandler)
)
