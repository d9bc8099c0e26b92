// Package handlers implements the HTTP handlers for the status server.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/3leaps/gantry/internal/errors"
)

// checkTimeout bounds each individual health check.
const checkTimeout = 2 * time.Second

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthManager aggregates registered checkers into a single health
// verdict.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// HealthResponse is the body returned by the health endpoints.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds a named checker. Re-registering a name replaces
// the previous checker.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	checkers := make([]HealthChecker, 0, len(m.checkers))
	for name, c := range m.checkers {
		names = append(names, name)
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	for i, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checkers[i].CheckHealth(checkCtx)
		cancel()

		switch {
		case err == nil:
			results[name] = "healthy"
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = "timeout"
		default:
			results[name] = "unhealthy"
		}
	}
	return results
}

func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, s := range checks {
		switch s {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler runs all checks and reports the aggregate status.
// Unhealthy dependencies produce a 503 with per-check detail.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == "unhealthy" {
		details := map[string]any{"checks": checks}
		apperrors.RespondWithDetails(w, http.StatusServiceUnavailable,
			"SERVICE_UNAVAILABLE", "one or more health checks failed", details)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  status,
		Version: m.version,
		Checks:  checks,
	})
}

// LivenessHandler reports only that the process is running.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "alive", Version: m.version})
}

// ReadinessHandler is equivalent to HealthHandler; readiness gates on
// dependencies being reachable.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

// StartupHandler reports that initialization completed. Registration
// of the manager itself is the startup signal.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "started", Version: m.version})
}

var globalHealthManager *HealthManager

// InitHealthManager installs the process-wide manager used by the
// package-level handler functions.
func InitHealthManager(version string) *HealthManager {
	globalHealthManager = NewHealthManager(version)
	return globalHealthManager
}

// GetHealthManager returns the process-wide manager, or nil before
// InitHealthManager.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func globalHandler(fn func(*HealthManager) http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := globalHealthManager
		if m == nil {
			apperrors.RespondWithError(w, http.StatusServiceUnavailable,
				"SERVICE_UNAVAILABLE", "health manager not initialized")
			return
		}
		fn(m)(w, r)
	}
}

// HealthHandler serves /health using the process-wide manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	globalHandler(func(m *HealthManager) http.HandlerFunc { return m.HealthHandler })(w, r)
}

// LivenessHandler serves /health/live using the process-wide manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	globalHandler(func(m *HealthManager) http.HandlerFunc { return m.LivenessHandler })(w, r)
}

// ReadinessHandler serves /health/ready using the process-wide manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	globalHandler(func(m *HealthManager) http.HandlerFunc { return m.ReadinessHandler })(w, r)
}

// StartupHandler serves /health/startup using the process-wide manager.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	globalHandler(func(m *HealthManager) http.HandlerFunc { return m.StartupHandler })(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
