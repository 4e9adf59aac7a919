// Package coordinator implements the Coordinator API: the HTTP surface that
// client requests and worker callbacks both pass through, and the dispatch
// logic that posts new/resumed operations to a selected worker. It is a
// thin layer over the Operation Repository, Worker Registry, Reconciler and
// Checkpoint Store; it owns no state of its own beyond the per-worker
// circuit breakers used for dispatch.
package coordinator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ktrdr/core/pkg/checkpoint"
	"github.com/ktrdr/core/pkg/metrics"
	"github.com/ktrdr/core/pkg/operation"
	"github.com/ktrdr/core/pkg/registry"
)

// Server wires the HTTP surface to the core components.
type Server struct {
	ops         *operation.Repository
	registry    *registry.Registry
	checkpoints *checkpoint.Store
	dispatcher  *dispatcher

	router chi.Router
}

// New constructs a Server and builds its router.
func New(ops *operation.Repository, reg *registry.Registry, checkpoints *checkpoint.Store) *Server {
	s := &Server{
		ops:         ops,
		registry:    reg,
		checkpoints: checkpoints,
		dispatcher:  newDispatcher(),
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the http.Handler to mount (or serve directly).
func (s *Server) Router() http.Handler { return s.router }

// buildRouter assembles the chi router and middleware stack.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(apiMetricsMiddleware)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/operations", func(ops chi.Router) {
			ops.Post("/", s.handleCreateOperation)
			ops.Get("/", s.handleListOperations)
			ops.Get("/{operationID}", s.handleGetOperation)
			ops.Delete("/{operationID}", s.handleCancelOperation)
			ops.Post("/{operationID}/resume", s.handleResumeOperation)
		})
		api.Route("/checkpoints", func(cps chi.Router) {
			cps.Get("/", s.handleListCheckpoints)
			cps.Get("/{operationID}", s.handleGetCheckpoint)
			cps.Delete("/{operationID}", s.handleDeleteCheckpoint)
		})
		api.Route("/workers", func(workers chi.Router) {
			workers.Post("/register", s.handleWorkerRegister)
			workers.Post("/{workerID}/heartbeat", s.handleWorkerHeartbeat)
			workers.Post("/{workerID}/deregister", s.handleWorkerDeregister)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apiMetricsMiddleware records per-route request counts and latency under
// the versioned route pattern (chi.RouteContext's RoutePattern, not the
// raw path, to keep cardinality bounded across operation/worker ids).
func apiMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// writeJSON encodes v as the response body. Response shapes are written to
// match the exact contractual field names of each endpoint, not wrapped in
// a generic envelope.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the shared error body shape: {"error": "<code>", ...extra}.
func writeError(w http.ResponseWriter, status int, code string, extra map[string]interface{}) {
	body := map[string]interface{}{"error": code}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
