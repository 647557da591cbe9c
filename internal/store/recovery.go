package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/model"
)

// RecoveredFromStuckMessage is written on every stuck-submitting rescue so
// operators can tell sweeper recoveries apart from backend failures.
const RecoveredFromStuckMessage = "Recovered from stuck submitting state"

// ListPendingForRecovery selects pending sub-tasks with no external id
// whose master is still runnable, oldest first.
func (s *TaskStore) ListPendingForRecovery(ctx context.Context, family model.AnalyzerFamily, limit int) ([]model.SubTask, error) {
	const query = `
		SELECT st.* FROM sub_tasks st
		JOIN master_tasks mt ON mt.id = st.master_id
		WHERE st.analyzer_family = $1 AND st.status = 'pending'
		  AND st.external_task_id IS NULL
		  AND mt.status NOT IN ('paused', 'cancelled', 'failed', 'completed')
		ORDER BY st.updated_at ASC
		LIMIT $2`
	tasks := []model.SubTask{}
	if err := s.db.SelectContext(ctx, &tasks, query, family, limit); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to list pending sub-tasks for recovery", err)
	}
	return tasks, nil
}

// ListStuckSubmitting selects sub-tasks that have sat in submitting past
// the threshold without gaining a real external id. A row still holding
// the claim sentinel counts as stuck: its owner died before the backend
// answered.
func (s *TaskStore) ListStuckSubmitting(ctx context.Context, family model.AnalyzerFamily, thresholdSecs int, limit int) ([]model.SubTask, error) {
	query := fmt.Sprintf(`
		SELECT st.* FROM sub_tasks st
		JOIN master_tasks mt ON mt.id = st.master_id
		WHERE st.analyzer_family = $1 AND st.status = 'submitting'
		  AND (st.external_task_id IS NULL OR st.external_task_id LIKE '-%%')
		  AND st.updated_at < CURRENT_TIMESTAMP - INTERVAL '%d seconds'
		  AND mt.status NOT IN ('paused', 'cancelled', 'failed', 'completed')
		ORDER BY st.updated_at ASC
		LIMIT $2`, thresholdSecs)
	tasks := []model.SubTask{}
	if err := s.db.SelectContext(ctx, &tasks, query, family, limit); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to list stuck sub-tasks", err)
	}
	return tasks, nil
}

// RecoverStuckSubmitting returns one stuck row to pending. The guard
// repeats the stuck condition so a concurrent recoverer (or a submitter
// that finally got its id through) makes this a no-op.
func (s *TaskStore) RecoverStuckSubmitting(ctx context.Context, id uuid.UUID) (bool, error) {
	const query = `
		UPDATE sub_tasks
		SET status = 'pending', external_task_id = NULL,
		    retry_count = retry_count + 1, error_message = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'submitting'
		  AND (external_task_id IS NULL OR external_task_id LIKE '-%')`
	res, err := s.db.ExecContext(ctx, query, id, RecoveredFromStuckMessage)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to recover stuck sub-task", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
