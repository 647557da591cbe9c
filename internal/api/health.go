package api

import (
	"net/http"

	"firestige.xyz/triage/internal/apperr"
)

// health reports overall liveness. The process stays up in degraded mode
// when a dependency is down, so this endpoint distinguishes ok from
// degraded instead of failing outright.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	healthy := true

	if s.deps.DBCheck != nil {
		if err := s.deps.DBCheck(r.Context()); err != nil {
			components["database"] = err.Error()
			healthy = false
		} else {
			components["database"] = "ok"
		}
	}
	if s.deps.Blobs == nil {
		components["storage"] = "unavailable"
		healthy = false
	} else if err := s.deps.Blobs.HealthCheck(r.Context()); err != nil {
		components["storage"] = err.Error()
		healthy = false
	} else {
		components["storage"] = "ok"
	}

	status := "ok"
	if !healthy {
		status = "degraded"
	}
	OK(w, map[string]interface{}{"status": status, "components": components})
}

func (s *Server) healthDB(w http.ResponseWriter, r *http.Request) {
	if s.deps.DBCheck == nil {
		Fail(w, apperr.E(apperr.Storage, "database unavailable"))
		return
	}
	if err := s.deps.DBCheck(r.Context()); err != nil {
		Fail(w, apperr.Wrap(apperr.Storage, "database health check failed", err))
		return
	}
	OK(w, map[string]string{"status": "ok"})
}

func (s *Server) healthStorage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Blobs == nil {
		Fail(w, apperr.E(apperr.Storage, "object store unavailable"))
		return
	}
	if err := s.deps.Blobs.HealthCheck(r.Context()); err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]string{"status": "ok"})
}
