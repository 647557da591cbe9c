package store

import (
	"context"

	"github.com/google/uuid"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/model"
)

// PauseMaster flips a pausable master to paused. Zero rows affected means
// the master was not in a pausable state (or does not exist); the caller
// surfaces that as a conflict.
func (s *TaskStore) PauseMaster(ctx context.Context, id uuid.UUID, reason *string) (bool, error) {
	const query = `
		UPDATE master_tasks
		SET status = 'paused', paused_at = CURRENT_TIMESTAMP, pause_reason = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ('pending', 'running')`
	res, err := s.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to pause master task", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CascadePause parks the master's not-yet-submitted sub-tasks. Rows in
// submitted/analyzing keep running on the backend and finish normally;
// they are only excluded from new scheduling.
func (s *TaskStore) CascadePause(ctx context.Context, masterID uuid.UUID) (int64, error) {
	const query = `
		UPDATE sub_tasks
		SET status = 'paused', updated_at = CURRENT_TIMESTAMP
		WHERE master_id = $1 AND status IN ('pending', 'submitting')`
	res, err := s.db.ExecContext(ctx, query, masterID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "failed to cascade pause to sub-tasks", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResumeMaster returns a paused master to running.
func (s *TaskStore) ResumeMaster(ctx context.Context, id uuid.UUID) (bool, error) {
	const query = `
		UPDATE master_tasks
		SET status = 'running', paused_at = NULL, pause_reason = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'paused'`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to resume master task", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CascadeResume revives paused sub-tasks to pending and returns their ids
// so the caller can re-enter the submission pipeline. A lingering claim
// sentinel is cleared together with the stale error message.
func (s *TaskStore) CascadeResume(ctx context.Context, masterID uuid.UUID) ([]uuid.UUID, error) {
	const query = `
		UPDATE sub_tasks
		SET status = 'pending', error_message = NULL,
		    external_task_id = CASE
		        WHEN external_task_id LIKE '-%' THEN NULL
		        ELSE external_task_id
		    END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE master_id = $1 AND status = 'paused'
		RETURNING id`
	ids := []uuid.UUID{}
	if err := s.db.SelectContext(ctx, &ids, query, masterID); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to cascade resume to sub-tasks", err)
	}
	return ids, nil
}

// CancelMaster marks a non-terminal master cancelled. Results already
// stored are retained.
func (s *TaskStore) CancelMaster(ctx context.Context, id uuid.UUID) (bool, error) {
	const query = `
		UPDATE master_tasks
		SET status = 'cancelled', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ('pending', 'running', 'paused')`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to cancel master task", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CascadeCancel moves all non-terminal sub-tasks of a master to cancelled.
func (s *TaskStore) CascadeCancel(ctx context.Context, masterID uuid.UUID) (int64, error) {
	const query = `
		UPDATE sub_tasks
		SET status = 'cancelled', completed_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE master_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`
	res, err := s.db.ExecContext(ctx, query, masterID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "failed to cascade cancel to sub-tasks", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PauseSubTasksOfPausedMasters parks pending/submitting sub-tasks whose
// master is paused, family-wide. The extractor sync loop runs this so
// sub-tasks paused after a master pause never slip through a gate race.
func (s *TaskStore) PauseSubTasksOfPausedMasters(ctx context.Context, family model.AnalyzerFamily) (int64, error) {
	const query = `
		UPDATE sub_tasks st
		SET status = 'paused', updated_at = CURRENT_TIMESTAMP
		FROM master_tasks mt
		WHERE mt.id = st.master_id AND mt.status = 'paused'
		  AND st.analyzer_family = $1 AND st.status IN ('pending', 'submitting')`
	res, err := s.db.ExecContext(ctx, query, family)
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "failed to pause sub-tasks of paused masters", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
