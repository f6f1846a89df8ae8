// Package handlers holds the HTTP endpoint implementations for the facade:
// the jobs API, the health manager, and the version endpoint.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/gostratus/internal/errors"
)

// HealthChecker probes one dependency. Implementations must honor the
// context deadline.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// checkTimeout bounds each individual probe.
const checkTimeout = 2 * time.Second

// HealthResponse is the healthy-path body of /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager aggregates named checkers into one service status.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager builds an empty manager reporting the given version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds or replaces a named probe.
func (m *HealthManager) RegisterChecker(name string, c HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

// runChecks probes every checker with a per-check timeout and returns the
// per-name status strings: healthy, unhealthy, or timeout.
func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make(map[string]HealthChecker, len(names))
	for _, name := range names {
		checkers[name] = m.checkers[name]
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checkers[name].CheckHealth(checkCtx)
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

// determineOverallStatus folds per-check statuses into one: any unhealthy
// check makes the service unhealthy; timeouts alone degrade it.
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

// HealthHandler serves the aggregate health document. Unhealthy services
// answer 503 with the per-check detail in the error envelope.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == "unhealthy" {
		detail := make(map[string]any, len(checks))
		for name, s := range checks {
			detail[name] = s
		}
		apperrors.RespondWithError(w, r,
			apperrors.New(apperrors.CodeServiceUnavailable, "service unhealthy").
				WithDetails(map[string]any{"checks": detail}))
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  status,
		Version: m.version,
		Checks:  checks,
	})
}

// LivenessHandler answers 200 while the process is serving at all.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "alive", Version: m.version})
}

// ReadinessHandler mirrors HealthHandler: not ready while any dependency
// is unhealthy.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

// StartupHandler reports whether initialization finished. Manager
// existence is the signal; configuration installs it last.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "started", Version: m.version})
}

var globalHealthManager *HealthManager

// InitHealthManager installs the process-wide manager used by the
// package-level handlers.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide manager, nil before init.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

// The package-level handlers delegate to the global manager and answer 503
// before InitHealthManager has run.

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		respondUninitialized(w, r)
		return
	}
	globalHealthManager.HealthHandler(w, r)
}

func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		respondUninitialized(w, r)
		return
	}
	globalHealthManager.LivenessHandler(w, r)
}

func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		respondUninitialized(w, r)
		return
	}
	globalHealthManager.ReadinessHandler(w, r)
}

func StartupHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		respondUninitialized(w, r)
		return
	}
	globalHealthManager.StartupHandler(w, r)
}

func respondUninitialized(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteError(w, r, apperrors.CodeServiceUnavailable, "health manager not initialized")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
