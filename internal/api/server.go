// Package api exposes the operator-facing HTTP surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/dispatch"
	"firestige.xyz/triage/internal/model"
	"firestige.xyz/triage/internal/storage"
	"firestige.xyz/triage/internal/store"
)

// InstanceHealth is the registry surface the instance handlers need.
type InstanceHealth interface {
	Snapshot() []model.Instance
	CheckNow(ctx context.Context, id uuid.UUID) (model.HealthReport, error)
}

// Deps wires the handlers to the rest of the system. Blobs may be nil
// when the object store was unreachable at boot; affected endpoints
// answer 503 until it comes back via restart.
type Deps struct {
	Tasks      *store.TaskStore
	Results    *store.ResultStore
	Controller *dispatch.Controller
	Blobs      *storage.Store

	SandboxInstances   *store.InstanceStore
	ExtractorInstances *store.InstanceStore
	SandboxHealth      InstanceHealth
	ExtractorHealth    InstanceHealth

	DBCheck func(ctx context.Context) error
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

// Router assembles the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health/db", s.healthDB)
		r.Get("/health/storage", s.healthStorage)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTask)
			r.Post("/by-filter", s.createTaskByFilter)
			r.Get("/", s.listTasks)
			r.Get("/{id}", s.getTask)
			r.Delete("/{id}", s.deleteTask)
			r.Get("/{id}/status", s.getTaskRuntime)
			r.Post("/{id}/pause", s.pauseTask)
			r.Post("/{id}/resume", s.resumeTask)
			r.Post("/{id}/cancel", s.cancelTask)
			r.Get("/{id}/sub-tasks", s.listSubTasks)
			r.Get("/{id}/export.csv", s.exportCSV)
			r.Get("/{id}/results.zip", s.exportZip)
		})

		r.Post("/sandbox/execute", s.executeMaster)
		r.Get("/sandbox/status/{id}", s.getFamilyStatus)
		r.Post("/extractor/execute", s.executeMaster)
		r.Get("/extractor/status/{id}", s.getFamilyStatus)

		r.Get("/analysis/sandbox/{id}", s.getSandboxAnalysis)
		r.Get("/analysis/extractor/{id}", s.getExtractorAnalysis)

		s.mountInstances(r, "/sandbox-instances", s.deps.SandboxInstances, s.deps.SandboxHealth)
		s.mountInstances(r, "/extractor-instances", s.deps.ExtractorInstances, s.deps.ExtractorHealth)
	})

	return r
}

func (s *Server) mountInstances(r chi.Router, prefix string, st *store.InstanceStore, health InstanceHealth) {
	r.Route(prefix, func(r chi.Router) {
		r.Get("/", s.listInstances(st))
		r.Post("/", s.createInstance(st))
		r.Get("/health", s.instanceHealth(health))
		r.Get("/{id}", s.getInstance(st))
		r.Put("/{id}", s.updateInstance(st))
		r.Delete("/{id}", s.deleteInstance(st))
		r.Post("/{id}/health-check", s.checkInstance(health))
	})
}

// pathUUID parses the {id} path parameter.
func pathUUID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Ef(apperr.Validation, "invalid id %q", raw)
	}
	return id, nil
}
