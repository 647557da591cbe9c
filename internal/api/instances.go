package api

import (
	"encoding/json"
	"net/http"

	"firestige.xyz/triage/internal/model"
	"firestige.xyz/triage/internal/store"
)

func (s *Server) listInstances(st *store.InstanceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enabledOnly := r.URL.Query().Get("enabled") == "true"
		instances, err := st.List(r.Context(), enabledOnly)
		if err != nil {
			Fail(w, err)
			return
		}
		OK(w, instances)
	}
}

func (s *Server) createInstance(st *store.InstanceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.CreateInstanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			FailValidation(w, "invalid request body")
			return
		}
		inst, err := st.Create(r.Context(), &req)
		if err != nil {
			Fail(w, err)
			return
		}
		OK(w, inst)
	}
}

func (s *Server) getInstance(st *store.InstanceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r)
		if err != nil {
			Fail(w, err)
			return
		}
		inst, err := st.Get(r.Context(), id)
		if err != nil {
			Fail(w, err)
			return
		}
		OK(w, inst)
	}
}

func (s *Server) updateInstance(st *store.InstanceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r)
		if err != nil {
			Fail(w, err)
			return
		}
		var req model.UpdateInstanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			FailValidation(w, "invalid request body")
			return
		}
		inst, err := st.Update(r.Context(), id, &req)
		if err != nil {
			Fail(w, err)
			return
		}
		OK(w, inst)
	}
}

func (s *Server) deleteInstance(st *store.InstanceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r)
		if err != nil {
			Fail(w, err)
			return
		}
		if err := st.Delete(r.Context(), id); err != nil {
			Fail(w, err)
			return
		}
		OK(w, nil)
	}
}

// instanceHealth reports the registry's live view of every instance.
func (s *Server) instanceHealth(health InstanceHealth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		OK(w, health.Snapshot())
	}
}

// checkInstance runs an immediate probe outside the loop schedule.
func (s *Server) checkInstance(health InstanceHealth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r)
		if err != nil {
			Fail(w, err)
			return
		}
		report, err := health.CheckNow(r.Context(), id)
		if err != nil {
			Fail(w, err)
			return
		}
		OK(w, report)
	}
}
