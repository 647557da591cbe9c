package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"firestige.xyz/triage/internal/model"
	"firestige.xyz/triage/internal/store"
)

type createTaskRequest struct {
	Name           string          `json:"name"`
	AnalyzerFamily string          `json:"analyzer_family"`
	TaskType       string          `json:"task_type"`
	SampleIDs      []uuid.UUID     `json:"sample_ids"`
	InstanceIDs    []uuid.UUID     `json:"instance_ids"`
	Parameters     json.RawMessage `json:"parameters"`
	Priority       int             `json:"priority"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		FailValidation(w, "invalid request body")
		return
	}
	if req.Name == "" {
		FailValidation(w, "name is required")
		return
	}
	taskType := model.TaskType(req.TaskType)
	if taskType == "" {
		taskType = model.TaskTypeBatch
	}

	master, err := s.deps.Tasks.CreateMasterWithSubTasks(r.Context(), store.CreateMasterParams{
		Name:        req.Name,
		Family:      model.AnalyzerFamily(req.AnalyzerFamily),
		TaskType:    taskType,
		SampleIDs:   req.SampleIDs,
		InstanceIDs: req.InstanceIDs,
		Parameters:  types.JSONText(req.Parameters),
		Priority:    req.Priority,
	})
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, master)
}

type createTaskByFilterRequest struct {
	Name           string          `json:"name"`
	AnalyzerFamily string          `json:"analyzer_family"`
	Filter         json.RawMessage `json:"filter"`
	InstanceIDs    []uuid.UUID     `json:"instance_ids"`
	Parameters     json.RawMessage `json:"parameters"`
	Priority       int             `json:"priority"`
}

func (s *Server) createTaskByFilter(w http.ResponseWriter, r *http.Request) {
	var req createTaskByFilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		FailValidation(w, "invalid request body")
		return
	}
	if req.Name == "" {
		FailValidation(w, "name is required")
		return
	}
	if len(req.Filter) == 0 {
		FailValidation(w, "filter is required")
		return
	}

	filter, err := store.ParseSampleFilter(req.Filter)
	if err != nil {
		Fail(w, err)
		return
	}
	sampleIDs, err := s.deps.Tasks.SelectSampleIDs(r.Context(), filter)
	if err != nil {
		Fail(w, err)
		return
	}
	if len(sampleIDs) == 0 {
		FailValidation(w, "no samples match the filter")
		return
	}

	master, err := s.deps.Tasks.CreateMasterWithSubTasks(r.Context(), store.CreateMasterParams{
		Name:         req.Name,
		Family:       model.AnalyzerFamily(req.AnalyzerFamily),
		TaskType:     model.TaskTypeBatch,
		SampleIDs:    sampleIDs,
		InstanceIDs:  req.InstanceIDs,
		Parameters:   types.JSONText(req.Parameters),
		SampleFilter: types.JSONText(req.Filter),
		Priority:     req.Priority,
	})
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, master)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := store.ListMastersParams{
		Family:   model.AnalyzerFamily(q.Get("analyzer_family")),
		Status:   model.MasterTaskStatus(q.Get("status")),
		Page:     queryInt(q.Get("page"), 1),
		PageSize: queryInt(q.Get("page_size"), 20),
	}
	tasks, total, err := s.deps.Tasks.ListMasters(r.Context(), params)
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, Paged{Items: tasks, Total: total, Page: params.Page, PageSize: params.PageSize})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		Fail(w, err)
		return
	}
	master, err := s.deps.Tasks.GetMaster(r.Context(), id)
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, master)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		Fail(w, err)
		return
	}
	if err := s.deps.Tasks.DeleteMaster(r.Context(), id); err != nil {
		Fail(w, err)
		return
	}
	OK(w, nil)
}

func (s *Server) getTaskRuntime(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		Fail(w, err)
		return
	}
	rt, err := s.deps.Tasks.Runtime(r.Context(), id)
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, rt)
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		Fail(w, err)
		return
	}
	var body struct {
		Reason *string `json:"reason"`
	}
	// An empty body means pause without a reason.
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.deps.Controller.Pause(r.Context(), id, body.Reason); err != nil {
		Fail(w, err)
		return
	}
	OK(w, nil)
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		Fail(w, err)
		return
	}
	if err := s.deps.Controller.Resume(r.Context(), id); err != nil {
		Fail(w, err)
		return
	}
	OK(w, nil)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		Fail(w, err)
		return
	}
	if err := s.deps.Controller.Cancel(r.Context(), id); err != nil {
		Fail(w, err)
		return
	}
	OK(w, nil)
}

func (s *Server) listSubTasks(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		Fail(w, err)
		return
	}
	q := r.URL.Query()
	params := store.ListSubTasksParams{
		MasterID: id,
		Status:   model.SubTaskStatus(q.Get("status")),
		Keyword:  q.Get("keyword"),
		Page:     queryInt(q.Get("page"), 1),
		PageSize: queryInt(q.Get("page_size"), 20),
	}
	rows, total, err := s.deps.Tasks.ListSubTasksWithSample(r.Context(), params)
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, Paged{Items: rows, Total: total, Page: params.Page, PageSize: params.PageSize})
}

type executeRequest struct {
	MasterTaskID uuid.UUID `json:"master_task_id"`
}

func (s *Server) executeMaster(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		FailValidation(w, "invalid request body")
		return
	}
	if req.MasterTaskID == uuid.Nil {
		FailValidation(w, "master_task_id is required")
		return
	}
	if err := s.deps.Controller.Execute(r.Context(), req.MasterTaskID); err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]interface{}{"master_task_id": req.MasterTaskID, "started": true})
}

// getFamilyStatus serves the legacy per-family status shape: the same
// runtime aggregate, but with paused sub-tasks folded into pending so
// older dashboards keep adding up to the total.
func (s *Server) getFamilyStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		Fail(w, err)
		return
	}
	rt, err := s.deps.Tasks.Runtime(r.Context(), id)
	if err != nil {
		Fail(w, err)
		return
	}
	if paused, ok := rt.StatusCounts[string(model.SubPaused)]; ok {
		rt.StatusCounts[string(model.SubPending)] += paused
		delete(rt.StatusCounts, string(model.SubPaused))
	}
	OK(w, rt)
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
