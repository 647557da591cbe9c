package api

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/google/uuid"

	"firestige.xyz/triage/internal/log"
	"firestige.xyz/triage/internal/model"
	"firestige.xyz/triage/internal/store"
)

const exportPageSize = 200

// collectSubTasks walks the paged listing until the master's sub-tasks
// are exhausted.
func (s *Server) collectSubTasks(r *http.Request, masterID uuid.UUID) ([]model.SubTaskWithSample, error) {
	var all []model.SubTaskWithSample
	for page := 1; ; page++ {
		rows, total, err := s.deps.Tasks.ListSubTasksWithSample(r.Context(), store.ListSubTasksParams{
			MasterID: masterID,
			Page:     page,
			PageSize: exportPageSize,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
		if len(all) >= total || len(rows) == 0 {
			return all, nil
		}
	}
}

func (s *Server) exportCSV(w http.ResponseWriter, r *http.Request) {
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
	rows, err := s.collectSubTasks(r, id)
	if err != nil {
		Fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="task_%s_results.csv"`, id))
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if master.AnalyzerFamily == model.FamilySandbox {
		s.writeSandboxCSV(r, cw, id, rows)
	} else {
		s.writeExtractorCSV(r, cw, id, rows)
	}
}

func (s *Server) writeSandboxCSV(r *http.Request, cw *csv.Writer, masterID uuid.UUID, rows []model.SubTaskWithSample) {
	results, err := s.deps.Results.ListSandboxResultsByMaster(r.Context(), masterID)
	if err != nil {
		log.GetLogger().WithError(err).Error("failed to load results for export")
	}
	byTask := make(map[uuid.UUID]*model.SandboxResult, len(results))
	for i := range results {
		byTask[results[i].SubTaskID] = &results[i]
	}

	cw.Write([]string{"sub_task_id", "status", "file_name", "sha256", "error", "score", "verdict", "report_summary"})
	for _, row := range rows {
		var score, verdict, summary string
		if res, ok := byTask[row.ID]; ok {
			if res.Score != nil {
				score = strconv.FormatFloat(*res.Score, 'f', 1, 64)
			}
			if res.Verdict != nil {
				verdict = *res.Verdict
			}
			if res.ReportSummary != nil {
				summary = *res.ReportSummary
			}
		}
		cw.Write([]string{
			row.ID.String(), string(row.Status), row.FileName, row.SHA256,
			strDeref(row.ErrorMessage), score, verdict, summary,
		})
	}
}

func (s *Server) writeExtractorCSV(r *http.Request, cw *csv.Writer, masterID uuid.UUID, rows []model.SubTaskWithSample) {
	results, err := s.deps.Results.ListExtractorResultsByMaster(r.Context(), masterID)
	if err != nil {
		log.GetLogger().WithError(err).Error("failed to load results for export")
	}
	byTask := make(map[uuid.UUID]*model.ExtractorResult, len(results))
	for i := range results {
		byTask[results[i].SubTaskID] = &results[i]
	}

	cw.Write([]string{"sub_task_id", "status", "file_name", "sha256", "error", "message", "result_files"})
	for _, row := range rows {
		var message, files string
		if res, ok := byTask[row.ID]; ok {
			message = strDeref(res.Message)
			if len(res.ResultFiles) > 0 {
				files = string(res.ResultFiles)
			}
		}
		cw.Write([]string{
			row.ID.String(), string(row.Status), row.FileName, row.SHA256,
			strDeref(row.ErrorMessage), message, files,
		})
	}
}

func (s *Server) exportZip(w http.ResponseWriter, r *http.Request) {
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
	rows, err := s.collectSubTasks(r, id)
	if err != nil {
		Fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="task_%s_results.zip"`, id))
	zw := zip.NewWriter(w)
	defer zw.Close()

	if master.AnalyzerFamily == model.FamilySandbox {
		s.zipSandboxReports(r, zw, id, rows)
	} else {
		s.zipExtractorArtifacts(r, zw, id, rows)
	}
}

// zipSandboxReports packs each stored report as <file>_<sub-task>/report.json.
func (s *Server) zipSandboxReports(r *http.Request, zw *zip.Writer, masterID uuid.UUID, rows []model.SubTaskWithSample) {
	results, err := s.deps.Results.ListSandboxResultsByMaster(r.Context(), masterID)
	if err != nil {
		log.GetLogger().WithError(err).Error("failed to load results for export")
		return
	}
	nameByTask := make(map[uuid.UUID]string, len(rows))
	for _, row := range rows {
		nameByTask[row.ID] = row.FileName
	}

	for _, res := range results {
		if len(res.FullReport) == 0 {
			continue
		}
		dir := fmt.Sprintf("%s_%s", nameByTask[res.SubTaskID], shortID(res.SubTaskID))
		entry, err := zw.Create(dir + "/report.json")
		if err != nil {
			log.GetLogger().WithError(err).Error("failed to add zip entry")
			return
		}
		if _, err := entry.Write(res.FullReport); err != nil {
			log.GetLogger().WithError(err).Error("failed to write zip entry")
			return
		}
	}
}

// zipExtractorArtifacts streams each stored artifact from the result
// bucket into the archive under <file>_<sub-task>/<artifact>.
func (s *Server) zipExtractorArtifacts(r *http.Request, zw *zip.Writer, masterID uuid.UUID, rows []model.SubTaskWithSample) {
	if s.deps.Blobs == nil {
		log.GetLogger().Error("object store unavailable, artifact export skipped")
		return
	}
	results, err := s.deps.Results.ListExtractorResultsByMaster(r.Context(), masterID)
	if err != nil {
		log.GetLogger().WithError(err).Error("failed to load results for export")
		return
	}
	nameByTask := make(map[uuid.UUID]string, len(rows))
	for _, row := range rows {
		nameByTask[row.ID] = row.FileName
	}

	for _, res := range results {
		if len(res.ResultFiles) == 0 {
			continue
		}
		var files map[string]string
		if err := json.Unmarshal(res.ResultFiles, &files); err != nil {
			continue
		}
		dir := fmt.Sprintf("%s_%s", nameByTask[res.SubTaskID], shortID(res.SubTaskID))
		for _, objectKey := range files {
			body, err := s.deps.Blobs.OpenArtifact(r.Context(), objectKey)
			if err != nil {
				log.GetLogger().WithError(err).Warnf("failed to open artifact %s", objectKey)
				continue
			}
			entry, err := zw.Create(dir + "/" + path.Base(objectKey))
			if err != nil {
				body.Close()
				log.GetLogger().WithError(err).Error("failed to add zip entry")
				return
			}
			if _, err := io.Copy(entry, body); err != nil {
				log.GetLogger().WithError(err).Warnf("failed to stream artifact %s", objectKey)
			}
			body.Close()
		}
	}
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
