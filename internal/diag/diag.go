// Package diag exposes a read-only HTTP surface for operational
// visibility into a running engine: liveness, Prometheus metrics, and
// a JSON snapshot of the current client/port graph (spec.md §9
// "Observability hooks a deployment will want" — health, metrics, and
// a graph dump are not named by spec.md's process-to-process protocol
// but round out the ambient stack the way flowpbx's internal/api does
// for its own domain).
package diag

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ClientSnapshot is one row of the /graph dump.
type ClientSnapshot struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	Active         bool   `json:"active"`
	Dead           bool   `json:"dead"`
	ExecutionOrder int    `json:"execution_order"`
	Ports          []int  `json:"ports"`
}

// PortSnapshot is one row of the /graph dump's port list.
type PortSnapshot struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	OwningClientID int64  `json:"owning_client_id"`
	TypeID         int    `json:"type_id"`
	Input          bool   `json:"input"`
	Output         bool   `json:"output"`
	Locked         bool   `json:"locked"`
	TotalLatency   int    `json:"total_latency"`
}

// GraphSnapshot is the full /graph response body.
type GraphSnapshot struct {
	Clients []ClientSnapshot `json:"clients"`
	Ports   []PortSnapshot   `json:"ports"`
}

// GraphProvider supplies the current graph state for the /graph
// endpoint, implemented by internal/engine.Engine.
type GraphProvider interface {
	GraphSnapshot() GraphSnapshot
}

// HealthProvider reports whether the engine considers itself healthy
// (the watchdog has not tripped).
type HealthProvider interface {
	Healthy() bool
}

// Server is the read-only diagnostics HTTP surface (spec.md §6's CLI
// surface names --diag-addr; this is its handler).
type Server struct {
	router *chi.Mux
	health HealthProvider
	graph  GraphProvider
}

// NewServer builds the diagnostics router, mounting /healthz, /metrics
// (delegated to promhttp against the default registry), and /graph.
func NewServer(health HealthProvider, graph GraphProvider) *Server {
	s := &Server{router: chi.NewRouter(), health: health, graph: graph}

	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/graph", s.handleGraph)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.health.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.graph.GraphSnapshot()); err != nil {
		slog.Error("diag: failed to encode graph snapshot", "error", err)
	}
}
