// Package model defines the persistent entities of the orchestrator.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// AnalyzerFamily identifies a class of backend with a shared client surface.
type AnalyzerFamily string

const (
	FamilySandbox   AnalyzerFamily = "dynamic_sandbox"
	FamilyExtractor AnalyzerFamily = "feature_extractor"
)

func (f AnalyzerFamily) Valid() bool {
	return f == FamilySandbox || f == FamilyExtractor
}

// TaskType distinguishes operator-created batches from single-sample runs.
type TaskType string

const (
	TaskTypeBatch  TaskType = "batch"
	TaskTypeSingle TaskType = "single"
)

// MasterTaskStatus is the lifecycle of a batch.
type MasterTaskStatus string

const (
	MasterPending   MasterTaskStatus = "pending"
	MasterRunning   MasterTaskStatus = "running"
	MasterPaused    MasterTaskStatus = "paused"
	MasterCompleted MasterTaskStatus = "completed"
	MasterFailed    MasterTaskStatus = "failed"
	MasterCancelled MasterTaskStatus = "cancelled"
)

// Runnable reports whether sub-tasks of this master may be submitted.
func (s MasterTaskStatus) Runnable() bool {
	switch s {
	case MasterPaused, MasterCancelled, MasterFailed, MasterCompleted:
		return false
	}
	return true
}

// SubTaskStatus is the lifecycle of a single sample dispatch.
type SubTaskStatus string

const (
	SubPending    SubTaskStatus = "pending"
	SubSubmitting SubTaskStatus = "submitting"
	SubSubmitted  SubTaskStatus = "submitted"
	SubAnalyzing  SubTaskStatus = "analyzing"
	SubPaused     SubTaskStatus = "paused"
	SubCompleted  SubTaskStatus = "completed"
	SubFailed     SubTaskStatus = "failed"
	SubCancelled  SubTaskStatus = "cancelled"
)

// Terminal reports whether the status can never change again.
// Completed is terminal for scheduling even though the report fetch
// may still be outstanding.
func (s SubTaskStatus) Terminal() bool {
	switch s {
	case SubCompleted, SubFailed, SubCancelled:
		return true
	}
	return false
}

// MasterTask is a user-visible batch grouping one or more sub-tasks.
type MasterTask struct {
	ID               uuid.UUID        `db:"id" json:"id"`
	Name             string           `db:"name" json:"name"`
	AnalyzerFamily   AnalyzerFamily   `db:"analyzer_family" json:"analyzer_family"`
	TaskType         TaskType         `db:"task_type" json:"task_type"`
	TotalSamples     int              `db:"total_samples" json:"total_samples"`
	CompletedSamples int              `db:"completed_samples" json:"completed_samples"`
	FailedSamples    int              `db:"failed_samples" json:"failed_samples"`
	ProgressPercent  int              `db:"progress_percent" json:"progress_percent"`
	Status           MasterTaskStatus `db:"status" json:"status"`
	SampleFilter     types.JSONText   `db:"sample_filter" json:"sample_filter,omitempty"`
	ErrorMessage     *string          `db:"error_message" json:"error_message,omitempty"`
	ResultSummary    types.JSONText   `db:"result_summary" json:"result_summary,omitempty"`
	PausedAt         *time.Time       `db:"paused_at" json:"paused_at,omitempty"`
	PauseReason      *string          `db:"pause_reason" json:"pause_reason,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// SubTask is the unit of work: one sample against one backend.
type SubTask struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	MasterID       uuid.UUID      `db:"master_id" json:"master_id"`
	SampleID       uuid.UUID      `db:"sample_id" json:"sample_id"`
	AnalyzerFamily AnalyzerFamily `db:"analyzer_family" json:"analyzer_family"`
	InstanceID     *uuid.UUID     `db:"instance_id" json:"instance_id,omitempty"`
	ExternalTaskID *string        `db:"external_task_id" json:"external_task_id,omitempty"`
	Status         SubTaskStatus  `db:"status" json:"status"`
	Priority       int            `db:"priority" json:"priority"`
	Parameters     types.JSONText `db:"parameters" json:"parameters,omitempty"`
	RetryCount     int            `db:"retry_count" json:"retry_count"`
	ErrorMessage   *string        `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	StartedAt      *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// HasRealExternalID reports whether the external id is a real backend id,
// as opposed to absent or the negative claim sentinel.
func (t *SubTask) HasRealExternalID() bool {
	return t.ExternalTaskID != nil && *t.ExternalTaskID != "" && (*t.ExternalTaskID)[0] != '-'
}

// SubTaskWithSample joins sub-task rows with the sample metadata the
// listing and export endpoints display.
type SubTaskWithSample struct {
	SubTask
	FileName   string `db:"file_name" json:"file_name"`
	FileSize   int64  `db:"file_size" json:"file_size"`
	SHA256     string `db:"sha256" json:"sha256"`
	MD5        string `db:"md5" json:"md5"`
	SHA1       string `db:"sha1" json:"sha1"`
	ObjectKey  string `db:"object_key" json:"object_key"`
	SampleName string `db:"sample_name" json:"sample_name,omitempty"`
}

// Sample is opaque to the orchestrator; only the fields the submission
// pipeline needs are carried.
type Sample struct {
	ID        uuid.UUID `db:"id" json:"id"`
	FileName  string    `db:"file_name" json:"file_name"`
	FileSize  int64     `db:"file_size" json:"file_size"`
	SHA256    string    `db:"sha256" json:"sha256"`
	MD5       string    `db:"md5" json:"md5"`
	SHA1      string    `db:"sha1" json:"sha1"`
	ObjectKey string    `db:"object_key" json:"object_key"`
	Labels    *int      `db:"labels" json:"labels,omitempty"`
}

// MasterTaskRuntime is the real-time aggregate served by the status endpoints.
type MasterTaskRuntime struct {
	MasterID        uuid.UUID         `json:"master_id"`
	Status          MasterTaskStatus  `json:"status"`
	TotalSamples    int               `json:"total_samples"`
	StatusCounts    map[string]int    `json:"status_counts"`
	ProgressPercent int               `json:"progress_percent"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds *int64            `json:"duration_seconds,omitempty"`
}
