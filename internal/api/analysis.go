package api

import (
	"net/http"
)

func (s *Server) getSandboxAnalysis(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		Fail(w, err)
		return
	}
	result, err := s.deps.Results.GetSandboxResultBySubTask(r.Context(), id)
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, result)
}

func (s *Server) getExtractorAnalysis(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		Fail(w, err)
		return
	}
	result, err := s.deps.Results.GetExtractorResultBySubTask(r.Context(), id)
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, result)
}
