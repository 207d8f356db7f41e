// Package obshealth aggregates per-component health into the
// orchestrator-level signal §7 names, and exposes it over HTTP, with an
// optional caller-supplied /metrics handler (the package builds no
// metrics registry of its own), grounded on the teacher's MetricsRegistry
// (registration/handler pattern) and the original implementation's
// health_service aggregation rule.
package obshealth

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Health is every component's self-report, per §7's propagation policy.
type Health struct {
	Status Status                 `json:"status"`
	Issues []string               `json:"issues"`
	Stats  map[string]interface{} `json:"stats"`
}

// Checker is implemented by each of C1-C9's long-running components.
type Checker interface {
	HealthCheck(ctx context.Context) Health
}

type CheckerFunc func(ctx context.Context) Health

func (f CheckerFunc) HealthCheck(ctx context.Context) Health { return f(ctx) }

// Registry aggregates named component checkers into the orchestrator
// rule: unhealthy if any component unhealthy; degraded otherwise if any
// degraded.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

func (r *Registry) Register(name string, c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = c
}

// Aggregate is the orchestrator-level health per §7: {status,
// components, issues[]}, with each component's own stats inside its
// Health entry.
type Aggregate struct {
	Status     Status                    `json:"status"`
	Components map[string]Health         `json:"components"`
	Issues     []string                  `json:"issues"`
}

func (r *Registry) Check(ctx context.Context) Aggregate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agg := Aggregate{Status: StatusHealthy, Components: make(map[string]Health, len(r.checkers))}
	anyDegraded := false
	for name, c := range r.checkers {
		h := c.HealthCheck(ctx)
		agg.Components[name] = h
		switch h.Status {
		case StatusUnhealthy:
			agg.Status = StatusUnhealthy
			agg.Issues = append(agg.Issues, name+": "+joinIssues(h.Issues))
		case StatusDegraded:
			anyDegraded = true
			agg.Issues = append(agg.Issues, name+": "+joinIssues(h.Issues))
		}
	}
	if agg.Status == StatusHealthy && anyDegraded {
		agg.Status = StatusDegraded
	}
	return agg
}

func joinIssues(issues []string) string {
	out := ""
	for i, s := range issues {
		if i > 0 {
			out += "; "
		}
		out += s
	}
	return out
}

// Server mounts /healthz (aggregate JSON), and /metrics only when the
// caller passes a non-nil metrics handler (the cmd/ binaries pass nil,
// so they serve no /metrics), on a gorilla/mux router, matching the teacher's router choice for its own
// HTTP surface.
type Server struct {
	registry *Registry
	router   *mux.Router
}

func NewServer(registry *Registry, metricsHandler http.Handler) *Server {
	s := &Server{registry: registry, router: mux.NewRouter()}
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if metricsHandler != nil {
		s.router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	agg := s.registry.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	switch agg.Status {
	case StatusUnhealthy:
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(agg)
}

func (s *Server) Handler() http.Handler { return s.router }
