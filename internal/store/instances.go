package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/model"
)

// InstanceStore persists backend instances for one analyzer family.
// Each family has its own table with an identical shape.
type InstanceStore struct {
	db     *sqlx.DB
	family model.AnalyzerFamily
	table  string
}

func NewInstanceStore(db *sqlx.DB, family model.AnalyzerFamily) *InstanceStore {
	table := "sandbox_instances"
	if family == model.FamilyExtractor {
		table = "extractor_instances"
	}
	return &InstanceStore{db: db, family: family, table: table}
}

func (s *InstanceStore) Family() model.AnalyzerFamily { return s.family }

// Create registers a backend instance. A duplicate name is a validation
// error surfaced from the unique constraint.
func (s *InstanceStore) Create(ctx context.Context, req *model.CreateInstanceRequest) (*model.Instance, error) {
	if req.Name == "" || req.BaseURL == "" {
		return nil, apperr.E(apperr.Validation, "name and base_url are required")
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	maxConcurrent := req.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	interval := req.HealthCheckIntervalSecs
	if interval <= 0 {
		interval = 60
	}
	var description *string
	if req.Description != "" {
		description = &req.Description
	}

	id := uuid.New()
	query := fmt.Sprintf(`
		INSERT INTO %s
			(id, name, base_url, description, enabled, max_concurrent_tasks,
			 health_check_interval_secs, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'unknown', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		s.table)
	if _, err := s.db.ExecContext(ctx, query,
		id, req.Name, req.BaseURL, description, enabled, maxConcurrent, interval); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to create instance", err)
	}
	return s.Get(ctx, id)
}

// Get fetches one instance.
func (s *InstanceStore) Get(ctx context.Context, id uuid.UUID) (*model.Instance, error) {
	var inst model.Instance
	query := fmt.Sprintf(
		"SELECT *, '%s' AS family FROM %s WHERE id = $1", s.family, s.table)
	err := s.db.GetContext(ctx, &inst, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Ef(apperr.NotFound, "instance %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to load instance", err)
	}
	return &inst, nil
}

// List returns instances, optionally restricted to enabled ones.
func (s *InstanceStore) List(ctx context.Context, enabledOnly bool) ([]model.Instance, error) {
	query := fmt.Sprintf(
		"SELECT *, '%s' AS family FROM %s", s.family, s.table)
	if enabledOnly {
		query += " WHERE enabled = TRUE"
	}
	query += " ORDER BY created_at ASC"
	instances := []model.Instance{}
	if err := s.db.SelectContext(ctx, &instances, query); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to list instances", err)
	}
	return instances, nil
}

// Update applies a partial update; nil fields keep their stored value.
func (s *InstanceStore) Update(ctx context.Context, id uuid.UUID, req *model.UpdateInstanceRequest) (*model.Instance, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET
			name = COALESCE($2, name),
			base_url = COALESCE($3, base_url),
			description = COALESCE($4, description),
			enabled = COALESCE($5, enabled),
			max_concurrent_tasks = COALESCE($6, max_concurrent_tasks),
			health_check_interval_secs = COALESCE($7, health_check_interval_secs),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`, s.table)
	res, err := s.db.ExecContext(ctx, query, id,
		req.Name, req.BaseURL, req.Description, req.Enabled,
		req.MaxConcurrentTasks, req.HealthCheckIntervalSecs)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to update instance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.Ef(apperr.NotFound, "instance %s not found", id)
	}
	return s.Get(ctx, id)
}

// Delete removes an instance. Deletion is refused while any sub-task,
// active or historical, still references it; operators must archive
// those rows first.
func (s *InstanceStore) Delete(ctx context.Context, id uuid.UUID) error {
	var refs int
	if err := s.db.GetContext(ctx, &refs,
		`SELECT COUNT(*) FROM sub_tasks WHERE instance_id = $1`, id); err != nil {
		return apperr.Wrap(apperr.Storage, "failed to count instance references", err)
	}
	if refs > 0 {
		return apperr.Ef(apperr.Conflict,
			"instance is referenced by %d sub-tasks and cannot be deleted", refs)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table), id)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to delete instance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Ef(apperr.NotFound, "instance %s not found", id)
	}
	return nil
}

// RecordHealth persists the outcome of a probe.
func (s *InstanceStore) RecordHealth(ctx context.Context, id uuid.UUID, status model.InstanceStatus) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, last_health_check_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, query, id, status); err != nil {
		return apperr.Wrap(apperr.Storage, "failed to record health check", err)
	}
	return nil
}
