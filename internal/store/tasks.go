package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/model"
)

// TaskStore persists master tasks and sub-tasks.
type TaskStore struct {
	db *sqlx.DB
}

func NewTaskStore(db *sqlx.DB) *TaskStore {
	return &TaskStore{db: db}
}

// DB exposes the underlying pool for cross-store transactions.
func (s *TaskStore) DB() *sqlx.DB { return s.db }

// CreateMasterParams is everything needed to materialize a batch.
type CreateMasterParams struct {
	Name         string
	Family       model.AnalyzerFamily
	TaskType     model.TaskType
	SampleIDs    []uuid.UUID
	InstanceIDs  []uuid.UUID
	Parameters   types.JSONText
	SampleFilter types.JSONText
	Priority     int
}

// CreateMasterWithSubTasks inserts the master row and one pending sub-task
// per sample in a single transaction. Instances are assigned round-robin
// by sub-task index, which spreads load deterministically without needing
// live queue depths.
func (s *TaskStore) CreateMasterWithSubTasks(ctx context.Context, p CreateMasterParams) (*model.MasterTask, error) {
	if len(p.SampleIDs) == 0 {
		return nil, apperr.E(apperr.Validation, "at least one sample is required")
	}
	if !p.Family.Valid() {
		return nil, apperr.Ef(apperr.Validation, "unknown analyzer family: %s", p.Family)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	master := &model.MasterTask{
		ID:             uuid.New(),
		Name:           p.Name,
		AnalyzerFamily: p.Family,
		TaskType:       p.TaskType,
		TotalSamples:   len(p.SampleIDs),
		Status:         model.MasterPending,
		SampleFilter:   p.SampleFilter,
	}

	const insertMaster = `
		INSERT INTO master_tasks
			(id, name, analyzer_family, task_type, total_samples, completed_samples,
			 failed_samples, progress_percent, status, sample_filter, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, 0, $6, $7, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`
	if _, err := tx.ExecContext(ctx, insertMaster,
		master.ID, master.Name, master.AnalyzerFamily, master.TaskType,
		master.TotalSamples, master.Status, master.SampleFilter); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to insert master task", err)
	}

	const insertSub = `
		INSERT INTO sub_tasks
			(id, master_id, sample_id, analyzer_family, instance_id, status,
			 priority, parameters, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`
	for i, sampleID := range p.SampleIDs {
		var instanceID *uuid.UUID
		if len(p.InstanceIDs) > 0 {
			id := p.InstanceIDs[i%len(p.InstanceIDs)]
			instanceID = &id
		}
		if _, err := tx.ExecContext(ctx, insertSub,
			uuid.New(), master.ID, sampleID, p.Family, instanceID,
			model.SubPending, p.Priority, p.Parameters); err != nil {
			return nil, apperr.Wrap(apperr.Storage, "failed to insert sub-task", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to commit task creation", err)
	}
	return s.GetMaster(ctx, master.ID)
}

// GetMaster fetches one master task.
func (s *TaskStore) GetMaster(ctx context.Context, id uuid.UUID) (*model.MasterTask, error) {
	var m model.MasterTask
	err := s.db.GetContext(ctx, &m, `SELECT * FROM master_tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Ef(apperr.NotFound, "master task %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to load master task", err)
	}
	return &m, nil
}

// GetMasterStatus reads only the master's status. Returns NotFound for a
// deleted master so gates can distinguish "missing" from "not runnable".
func (s *TaskStore) GetMasterStatus(ctx context.Context, id uuid.UUID) (model.MasterTaskStatus, error) {
	var status model.MasterTaskStatus
	err := s.db.GetContext(ctx, &status, `SELECT status FROM master_tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.Ef(apperr.NotFound, "master task %s not found", id)
	}
	if err != nil {
		return "", apperr.Wrap(apperr.Storage, "failed to read master status", err)
	}
	return status, nil
}

// ListMastersParams filters the paged master listing.
type ListMastersParams struct {
	Family   model.AnalyzerFamily
	Status   model.MasterTaskStatus
	Page     int
	PageSize int
}

// ListMasters returns a page of masters plus the total count.
func (s *TaskStore) ListMasters(ctx context.Context, p ListMastersParams) ([]model.MasterTask, int, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 || p.PageSize > 200 {
		p.PageSize = 20
	}

	where := []string{"1=1"}
	args := []interface{}{}
	if p.Family != "" {
		args = append(args, p.Family)
		where = append(where, fmt.Sprintf("analyzer_family = $%d", len(args)))
	}
	if p.Status != "" {
		args = append(args, p.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.GetContext(ctx, &total,
		"SELECT COUNT(*) FROM master_tasks WHERE "+cond, args...); err != nil {
		return nil, 0, apperr.Wrap(apperr.Storage, "failed to count master tasks", err)
	}

	args = append(args, p.PageSize, (p.Page-1)*p.PageSize)
	query := fmt.Sprintf(
		"SELECT * FROM master_tasks WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		cond, len(args)-1, len(args))
	tasks := []model.MasterTask{}
	if err := s.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, 0, apperr.Wrap(apperr.Storage, "failed to list master tasks", err)
	}
	return tasks, total, nil
}

// DeleteMaster removes a master; sub-tasks and results go with it via
// ON DELETE CASCADE.
func (s *TaskStore) DeleteMaster(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM master_tasks WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to delete master task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Ef(apperr.NotFound, "master task %s not found", id)
	}
	return nil
}

// StartMaster flips a pending master to running when execution begins.
func (s *TaskStore) StartMaster(ctx context.Context, id uuid.UUID) (bool, error) {
	const query = `
		UPDATE master_tasks
		SET status = 'running', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'pending'`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to start master task", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetSubTask fetches one sub-task.
func (s *TaskStore) GetSubTask(ctx context.Context, id uuid.UUID) (*model.SubTask, error) {
	var t model.SubTask
	err := s.db.GetContext(ctx, &t, `SELECT * FROM sub_tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Ef(apperr.NotFound, "sub-task %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to load sub-task", err)
	}
	return &t, nil
}

// ListSubTasksParams filters the paged sub-task listing.
type ListSubTasksParams struct {
	MasterID uuid.UUID
	Status   model.SubTaskStatus
	Keyword  string // matches file name (substring) or an exact hash
	Page     int
	PageSize int
}

// ListSubTasksWithSample returns sub-tasks joined with their sample
// metadata, optionally narrowed by status and a keyword over file name
// and hashes.
func (s *TaskStore) ListSubTasksWithSample(ctx context.Context, p ListSubTasksParams) ([]model.SubTaskWithSample, int, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 || p.PageSize > 200 {
		p.PageSize = 20
	}

	where := []string{"st.master_id = $1"}
	args := []interface{}{p.MasterID}
	if p.Status != "" {
		args = append(args, p.Status)
		where = append(where, fmt.Sprintf("st.status = $%d", len(args)))
	}
	if p.Keyword != "" {
		args = append(args, "%"+p.Keyword+"%", p.Keyword)
		where = append(where, fmt.Sprintf(
			"(sm.file_name ILIKE $%d OR sm.sha256 = $%d OR sm.md5 = $%d OR sm.sha1 = $%d)",
			len(args)-1, len(args), len(args), len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	countQuery := `
		SELECT COUNT(*) FROM sub_tasks st
		JOIN samples sm ON sm.id = st.sample_id
		WHERE ` + cond
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, apperr.Wrap(apperr.Storage, "failed to count sub-tasks", err)
	}

	args = append(args, p.PageSize, (p.Page-1)*p.PageSize)
	query := fmt.Sprintf(`
		SELECT st.*, sm.file_name, sm.file_size, sm.sha256, sm.md5, sm.sha1,
		       sm.object_key, sm.file_name AS sample_name
		FROM sub_tasks st
		JOIN samples sm ON sm.id = st.sample_id
		WHERE %s
		ORDER BY st.created_at ASC
		LIMIT $%d OFFSET $%d`, cond, len(args)-1, len(args))
	rows := []model.SubTaskWithSample{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, apperr.Wrap(apperr.Storage, "failed to list sub-tasks", err)
	}
	return rows, total, nil
}

// ListSubTasksByMaster returns all sub-tasks of a master in creation order.
func (s *TaskStore) ListSubTasksByMaster(ctx context.Context, masterID uuid.UUID) ([]model.SubTask, error) {
	tasks := []model.SubTask{}
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM sub_tasks WHERE master_id = $1 ORDER BY created_at ASC`, masterID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to list sub-tasks", err)
	}
	return tasks, nil
}

// ClaimSubTask takes exclusive responsibility for a pending sub-task by
// writing the negative claim sentinel. A zero row count means another
// worker won the race.
func (s *TaskStore) ClaimSubTask(ctx context.Context, id uuid.UUID, sentinel string) (bool, error) {
	const query = `
		UPDATE sub_tasks
		SET status = 'submitting', external_task_id = $2,
		    started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'pending'
		  AND (external_task_id IS NULL OR external_task_id LIKE '-%')`
	res, err := s.db.ExecContext(ctx, query, id, sentinel)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to claim sub-task", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkSubmitted replaces the claim sentinel with the backend's real id
// and records the instance that accepted the submission, in the same
// guarded UPDATE that flips the status. The instance must be persisted
// here: the pollers and report fetchers select per instance, and a row
// submitted through a picked instance would otherwise never be found.
func (s *TaskStore) MarkSubmitted(ctx context.Context, id uuid.UUID, externalID string, instanceID uuid.UUID) (bool, error) {
	const query = `
		UPDATE sub_tasks
		SET status = 'submitted', external_task_id = $2, instance_id = $3,
		    error_message = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'submitting'`
	res, err := s.db.ExecContext(ctx, query, id, externalID, instanceID)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to mark sub-task submitted", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RollbackToPending returns a claimed sub-task to the pending pool after
// exhausted transient retries. This is the only transition that bumps
// retry_count besides stuck-submitting recovery.
func (s *TaskStore) RollbackToPending(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	const query = `
		UPDATE sub_tasks
		SET status = 'pending', external_task_id = NULL,
		    retry_count = retry_count + 1, error_message = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'submitting'`
	res, err := s.db.ExecContext(ctx, query, id, errMsg)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to roll back sub-task", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkFailed moves a non-terminal sub-task to failed with the backend's
// error text.
func (s *TaskStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	const query = `
		UPDATE sub_tasks
		SET status = 'failed', error_message = $2,
		    completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`
	res, err := s.db.ExecContext(ctx, query, id, errMsg)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to mark sub-task failed", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkPausedByGate parks a sub-task whose master is not runnable.
// Only non-terminal, not-yet-submitted rows are affected.
func (s *TaskStore) MarkPausedByGate(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	const query = `
		UPDATE sub_tasks
		SET status = 'paused', error_message = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ('pending', 'submitting')`
	res, err := s.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to pause sub-task", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Transition moves a sub-task between explicit states, guarded by the
// expected source states.
func (s *TaskStore) Transition(ctx context.Context, id uuid.UUID, from []model.SubTaskStatus, to model.SubTaskStatus, errMsg *string) (bool, error) {
	if len(from) == 0 {
		return false, apperr.E(apperr.Validation, "transition requires at least one source state")
	}
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	completedAt := ""
	if to.Terminal() {
		completedAt = ", completed_at = CURRENT_TIMESTAMP"
	}
	query, args, err := sqlx.In(fmt.Sprintf(`
		UPDATE sub_tasks
		SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP%s
		WHERE id = ? AND status IN (?)`, completedAt),
		to, errMsg, id, states)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "failed to build transition query", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to transition sub-task", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Touch bumps updated_at and records an error string without changing
// status, pushing the row to the tail of the poll queue so one failing
// backend call cannot starve the others.
func (s *TaskStore) Touch(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sub_tasks
		SET error_message = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`, id, errMsg)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to touch sub-task", err)
	}
	return nil
}

// ListForPoll returns the per-instance slice of sub-tasks the status
// poller inspects: non-terminal rows first, oldest update first, so
// stalled rows sink to the tail.
func (s *TaskStore) ListForPoll(ctx context.Context, family model.AnalyzerFamily, instanceID uuid.UUID, limit int) ([]model.SubTask, error) {
	const query = `
		SELECT * FROM sub_tasks
		WHERE analyzer_family = $1 AND instance_id = $2
		  AND status IN ('submitting', 'submitted', 'analyzing', 'completed')
		ORDER BY
		  CASE WHEN status IN ('submitting', 'submitted', 'analyzing') THEN 0 ELSE 1 END ASC,
		  COALESCE(updated_at, started_at, created_at) ASC
		LIMIT $3`
	tasks := []model.SubTask{}
	if err := s.db.SelectContext(ctx, &tasks, query, family, instanceID, limit); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to list sub-tasks for polling", err)
	}
	return tasks, nil
}

// ListAwaitingReport returns completed sub-tasks on an instance that have
// no stored result yet.
func (s *TaskStore) ListAwaitingReport(ctx context.Context, family model.AnalyzerFamily, instanceID uuid.UUID, resultTable string, limit int) ([]model.SubTask, error) {
	query := fmt.Sprintf(`
		SELECT st.* FROM sub_tasks st
		LEFT JOIN %s r ON r.sub_task_id = st.id
		WHERE st.analyzer_family = $1 AND st.instance_id = $2
		  AND st.status = 'completed'
		  AND st.external_task_id IS NOT NULL AND st.external_task_id NOT LIKE '-%%'
		  AND r.id IS NULL
		ORDER BY st.updated_at ASC
		LIMIT $3`, resultTable)
	tasks := []model.SubTask{}
	if err := s.db.SelectContext(ctx, &tasks, query, family, instanceID, limit); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to list sub-tasks awaiting report", err)
	}
	return tasks, nil
}

// CountSubTasksByInstance reports how many sub-tasks reference an
// instance; a non-zero count blocks instance deletion.
func (s *TaskStore) CountSubTasksByInstance(ctx context.Context, instanceID uuid.UUID) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sub_tasks WHERE instance_id = $1`, instanceID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "failed to count instance references", err)
	}
	return n, nil
}

// StatusCounts returns per-status sub-task counts of one master.
func (s *TaskStore) StatusCounts(ctx context.Context, masterID uuid.UUID) (map[string]int, error) {
	rows := []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS count FROM sub_tasks
		WHERE master_id = $1 GROUP BY status`, masterID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to count sub-task statuses", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// Runtime assembles the real-time aggregate for a master.
func (s *TaskStore) Runtime(ctx context.Context, masterID uuid.UUID) (*model.MasterTaskRuntime, error) {
	master, err := s.GetMaster(ctx, masterID)
	if err != nil {
		return nil, err
	}
	counts, err := s.StatusCounts(ctx, masterID)
	if err != nil {
		return nil, err
	}

	rt := &model.MasterTaskRuntime{
		MasterID:        master.ID,
		Status:          master.Status,
		TotalSamples:    master.TotalSamples,
		StatusCounts:    counts,
		ProgressPercent: master.ProgressPercent,
	}

	var bounds struct {
		StartedAt   *time.Time `db:"started_at"`
		CompletedAt *time.Time `db:"completed_at"`
	}
	err = s.db.GetContext(ctx, &bounds, `
		SELECT MIN(started_at) AS started_at, MAX(completed_at) AS completed_at
		FROM sub_tasks WHERE master_id = $1`, masterID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Wrap(apperr.Storage, "failed to read task time bounds", err)
	}
	rt.StartedAt = bounds.StartedAt
	if master.Status == model.MasterCompleted || master.Status == model.MasterFailed {
		rt.CompletedAt = bounds.CompletedAt
	}
	if rt.StartedAt != nil && rt.CompletedAt != nil {
		secs := int64(rt.CompletedAt.Sub(*rt.StartedAt).Seconds())
		rt.DurationSeconds = &secs
	}
	return rt, nil
}

// Aggregate recomputes one master's counters, progress and status from
// its sub-tasks in a single statement, so concurrent completions cannot
// race to inconsistent parent counts. Paused and cancelled masters are
// left alone: pause is externally driven and cancelled is terminal.
func (s *TaskStore) Aggregate(ctx context.Context, masterID uuid.UUID) error {
	const query = `
		UPDATE master_tasks mt
		SET completed_samples = agg.completed,
		    failed_samples = agg.failed,
		    progress_percent = CASE
		        WHEN mt.total_samples > 0
		        THEN (agg.completed + agg.failed) * 100 / mt.total_samples
		        ELSE 0
		    END,
		    status = CASE
		        WHEN agg.completed + agg.failed < mt.total_samples THEN 'running'
		        WHEN agg.failed = mt.total_samples THEN 'failed'
		        ELSE 'completed'
		    END,
		    updated_at = CURRENT_TIMESTAMP
		FROM (
		    SELECT
		        COUNT(*) FILTER (WHERE status = 'completed') AS completed,
		        COUNT(*) FILTER (WHERE status IN ('failed', 'cancelled')) AS failed
		    FROM sub_tasks WHERE master_id = $1
		) AS agg
		WHERE mt.id = $1 AND mt.status NOT IN ('paused', 'cancelled')`
	if _, err := s.db.ExecContext(ctx, query, masterID); err != nil {
		return apperr.Wrap(apperr.Storage, "failed to aggregate master progress", err)
	}
	return nil
}

// AggregateCounts refreshes a master's counters and progress without
// touching its status. Used after a cancel cascade, where the status is
// already terminal but the counters must still reflect the children.
func (s *TaskStore) AggregateCounts(ctx context.Context, masterID uuid.UUID) error {
	const query = `
		UPDATE master_tasks mt
		SET completed_samples = agg.completed,
		    failed_samples = agg.failed,
		    progress_percent = CASE
		        WHEN mt.total_samples > 0
		        THEN (agg.completed + agg.failed) * 100 / mt.total_samples
		        ELSE 0
		    END,
		    updated_at = CURRENT_TIMESTAMP
		FROM (
		    SELECT
		        COUNT(*) FILTER (WHERE status = 'completed') AS completed,
		        COUNT(*) FILTER (WHERE status IN ('failed', 'cancelled')) AS failed
		    FROM sub_tasks WHERE master_id = $1
		) AS agg
		WHERE mt.id = $1`
	if _, err := s.db.ExecContext(ctx, query, masterID); err != nil {
		return apperr.Wrap(apperr.Storage, "failed to refresh master counters", err)
	}
	return nil
}
