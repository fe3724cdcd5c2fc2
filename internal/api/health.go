// =============================================================================
// HEALTH CHECK ENDPOINTS
// =============================================================================
//
//   GET /health   liveness: 200 unless the process marked itself dead
//   GET /readyz   readiness: 200 once the delay service is started and every
//                 registered check passes; ?verbose=true lists the checks
//
// EXAMPLE KUBERNETES CONFIGURATION:
//
//   livenessProbe:
//     httpGet: { path: /health, port: 8080 }
//   readinessProbe:
//     httpGet: { path: /readyz, port: 8080 }
//
// =============================================================================

package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WuJingLearn/rocketmq/internal/delay"
)

// HealthState tracks liveness and extra readiness checks.
type HealthState struct {
	live      atomic.Bool
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) HealthCheckResult

// HealthCheckResult contains the result of a health check.
type HealthCheckResult struct {
	Status  string `json:"status"` // "pass", "warn", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthState creates a live health state with no checks.
func NewHealthState() *HealthState {
	h := &HealthState{
		startTime: time.Now(),
		checks:    make(map[string]HealthCheck),
	}
	h.live.Store(true)
	return h
}

// SetLive marks the process alive or dead.
func (h *HealthState) SetLive(live bool) {
	h.live.Store(live)
}

// IsLive reports liveness.
func (h *HealthState) IsLive() bool {
	return h.live.Load()
}

// AddCheck registers a named readiness check.
func (h *HealthState) AddCheck(name string, check HealthCheck) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// Uptime returns how long the server has been running.
func (h *HealthState) Uptime() time.Duration {
	return time.Since(h.startTime)
}

func (h *HealthState) run(ctx context.Context) map[string]HealthCheckResult {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]HealthCheckResult, len(names))
	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()

		start := time.Now()
		result := check(ctx)
		result.Latency = time.Since(start).String()
		results[name] = result
	}
	return results
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.health.IsLive() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "fail",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    s.health.Uptime().String(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.health.Uptime().String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	results := s.health.run(r.Context())
	results["delay_service"] = s.checkService()

	ready := true
	for _, res := range results {
		if res.Status == "fail" {
			ready = false
		}
	}

	status := http.StatusOK
	resp := map[string]interface{}{
		"status":    "pass",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if !ready {
		status = http.StatusServiceUnavailable
		resp["status"] = "fail"
	}
	if verbose || !ready {
		resp["checks"] = results
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) checkService() HealthCheckResult {
	state := s.service.State()
	if state != delay.StateStarted {
		return HealthCheckResult{Status: "fail", Message: "delay service is " + state.String()}
	}
	return HealthCheckResult{Status: "pass"}
}

// =============================================================================
// VERSION
// =============================================================================

// Version information (set at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
	})
}
