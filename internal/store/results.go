package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/model"
)

// ResultStore persists analysis results for both families. A unique
// constraint on sub_task_id plus INSERT ... WHERE NOT EXISTS keeps the
// at-most-one-result invariant even under concurrent fetchers.
type ResultStore struct {
	db *sqlx.DB
}

func NewResultStore(db *sqlx.DB) *ResultStore {
	return &ResultStore{db: db}
}

// InsertSandboxResult stores a sandbox result unless one already exists
// for the sub-task. Returns false when the insert was suppressed.
func (s *ResultStore) InsertSandboxResult(ctx context.Context, r *model.SandboxResult) (bool, error) {
	const query = `
		INSERT INTO sandbox_results
			(id, sub_task_id, sample_id, external_task_id,
			 analysis_started_at, analysis_completed_at, analysis_duration,
			 score, severity, verdict, signatures, behavior_summary,
			 full_report, report_summary, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		       CURRENT_TIMESTAMP, CURRENT_TIMESTAMP
		WHERE NOT EXISTS (
			SELECT 1 FROM sandbox_results WHERE sub_task_id = $2
		)`
	res, err := s.db.ExecContext(ctx, query,
		r.ID, r.SubTaskID, r.SampleID, r.ExternalID,
		r.AnalysisStartedAt, r.AnalysisCompletedAt, r.AnalysisDuration,
		r.Score, r.Severity, r.Verdict, r.Signatures, r.BehaviorSummary,
		r.FullReport, r.ReportSummary)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to insert sandbox result", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// InsertExtractorResult stores an extractor result unless one already
// exists for the sub-task.
func (s *ResultStore) InsertExtractorResult(ctx context.Context, r *model.ExtractorResult) (bool, error) {
	const query = `
		INSERT INTO extractor_results
			(id, sub_task_id, sample_id, external_task_id,
			 message, result_files, full_report, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP
		WHERE NOT EXISTS (
			SELECT 1 FROM extractor_results WHERE sub_task_id = $2
		)`
	res, err := s.db.ExecContext(ctx, query,
		r.ID, r.SubTaskID, r.SampleID, r.ExternalID,
		r.Message, r.ResultFiles, r.FullReport)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to insert extractor result", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetSandboxResultBySubTask fetches a sandbox result joined with the
// sub-task's error message for operator display.
func (s *ResultStore) GetSandboxResultBySubTask(ctx context.Context, subTaskID uuid.UUID) (*model.SandboxResult, error) {
	const query = `
		SELECT r.*, st.error_message
		FROM sandbox_results r
		JOIN sub_tasks st ON st.id = r.sub_task_id
		WHERE r.sub_task_id = $1`
	var r model.SandboxResult
	err := s.db.GetContext(ctx, &r, query, subTaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Ef(apperr.NotFound, "no sandbox result for sub-task %s", subTaskID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to load sandbox result", err)
	}
	return &r, nil
}

// GetExtractorResultBySubTask fetches an extractor result joined with the
// sub-task's error message.
func (s *ResultStore) GetExtractorResultBySubTask(ctx context.Context, subTaskID uuid.UUID) (*model.ExtractorResult, error) {
	const query = `
		SELECT r.*, st.error_message
		FROM extractor_results r
		JOIN sub_tasks st ON st.id = r.sub_task_id
		WHERE r.sub_task_id = $1`
	var r model.ExtractorResult
	err := s.db.GetContext(ctx, &r, query, subTaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Ef(apperr.NotFound, "no extractor result for sub-task %s", subTaskID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to load extractor result", err)
	}
	return &r, nil
}

// ListSandboxResultsByMaster returns all sandbox results of a master.
func (s *ResultStore) ListSandboxResultsByMaster(ctx context.Context, masterID uuid.UUID) ([]model.SandboxResult, error) {
	const query = `
		SELECT r.* FROM sandbox_results r
		JOIN sub_tasks st ON st.id = r.sub_task_id
		WHERE st.master_id = $1
		ORDER BY r.created_at ASC`
	results := []model.SandboxResult{}
	if err := s.db.SelectContext(ctx, &results, query, masterID); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to list sandbox results", err)
	}
	return results, nil
}

// ListExtractorResultsByMaster returns all extractor results of a master.
func (s *ResultStore) ListExtractorResultsByMaster(ctx context.Context, masterID uuid.UUID) ([]model.ExtractorResult, error) {
	const query = `
		SELECT r.* FROM extractor_results r
		JOIN sub_tasks st ON st.id = r.sub_task_id
		WHERE st.master_id = $1
		ORDER BY r.created_at ASC`
	results := []model.ExtractorResult{}
	if err := s.db.SelectContext(ctx, &results, query, masterID); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to list extractor results", err)
	}
	return results, nil
}

// HasResult reports whether a result row exists for a sub-task in the
// given table.
func (s *ResultStore) HasResult(ctx context.Context, table string, subTaskID uuid.UUID) (bool, error) {
	var exists bool
	query := "SELECT EXISTS (SELECT 1 FROM " + table + " WHERE sub_task_id = $1)"
	if err := s.db.GetContext(ctx, &exists, query, subTaskID); err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to check result existence", err)
	}
	return exists, nil
}
