package model

import (
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the probed health of a backend instance.
type InstanceStatus string

const (
	InstanceHealthy   InstanceStatus = "healthy"
	InstanceUnhealthy InstanceStatus = "unhealthy"
	InstanceUnknown   InstanceStatus = "unknown"
)

// Instance is one deployment of an analyzer backend. Both families share
// the same shape; the family column selects the table-per-family storage.
type Instance struct {
	ID                      uuid.UUID      `db:"id" json:"id"`
	Family                  AnalyzerFamily `db:"family" json:"family"`
	Name                    string         `db:"name" json:"name"`
	BaseURL                 string         `db:"base_url" json:"base_url"`
	Description             *string        `db:"description" json:"description,omitempty"`
	Enabled                 bool           `db:"enabled" json:"enabled"`
	MaxConcurrentTasks      int            `db:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	HealthCheckIntervalSecs int            `db:"health_check_interval_secs" json:"health_check_interval_secs"`
	Status                  InstanceStatus `db:"status" json:"status"`
	LastHealthCheckAt       *time.Time     `db:"last_health_check_at" json:"last_health_check_at,omitempty"`
	CreatedAt               time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time      `db:"updated_at" json:"updated_at"`
}

// Available reports whether the instance may receive new submissions.
// Unknown is provisionally usable so a fresh boot is not deadlocked
// before the first probe.
func (i *Instance) Available() bool {
	return i.Enabled && (i.Status == InstanceHealthy || i.Status == InstanceUnknown)
}

// CreateInstanceRequest is the payload for registering a backend instance.
type CreateInstanceRequest struct {
	Name                    string `json:"name"`
	BaseURL                 string `json:"base_url"`
	Description             string `json:"description,omitempty"`
	Enabled                 *bool  `json:"enabled,omitempty"`
	MaxConcurrentTasks      int    `json:"max_concurrent_tasks,omitempty"`
	HealthCheckIntervalSecs int    `json:"health_check_interval_secs,omitempty"`
}

// UpdateInstanceRequest carries partial updates; nil fields keep the
// stored value (COALESCE semantics in SQL).
type UpdateInstanceRequest struct {
	Name                    *string `json:"name,omitempty"`
	BaseURL                 *string `json:"base_url,omitempty"`
	Description             *string `json:"description,omitempty"`
	Enabled                 *bool   `json:"enabled,omitempty"`
	MaxConcurrentTasks      *int    `json:"max_concurrent_tasks,omitempty"`
	HealthCheckIntervalSecs *int    `json:"health_check_interval_secs,omitempty"`
}

// HealthReport is the result of a single probe.
type HealthReport struct {
	InstanceID     uuid.UUID      `json:"instance_id"`
	Status         InstanceStatus `json:"status"`
	ResponseTimeMs int64          `json:"response_time_ms"`
	Error          string         `json:"error,omitempty"`
	CheckedAt      time.Time      `json:"checked_at"`
}
