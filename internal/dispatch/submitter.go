// Package dispatch contains the background machinery that moves
// sub-tasks through their lifecycle: the submitter, the status poller,
// the report fetchers, the recovery sweeper and the pause controller.
// All coordination happens through guarded UPDATEs in the store; the
// loops themselves hold no shared mutable state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/backend"
	"firestige.xyz/triage/internal/log"
	"firestige.xyz/triage/internal/model"
)

// ClaimSentinel builds the negative placeholder written into
// external_task_id while a submission is in flight. Real backend ids are
// positive, so the sign alone distinguishes a claim from a result.
func ClaimSentinel() string {
	return fmt.Sprintf("-%d", time.Now().UnixMilli()%1_000_000)
}

// SubmitFunc performs one family-specific backend submission and returns
// the real external task id together with the instance that took it.
type SubmitFunc func(ctx context.Context, task *model.SubTask, sample *model.Sample, localPath string) (string, uuid.UUID, error)

// SubmitterStore is the slice of the task store the submitter drives.
// *store.TaskStore satisfies it.
type SubmitterStore interface {
	GetSubTask(ctx context.Context, id uuid.UUID) (*model.SubTask, error)
	GetMasterStatus(ctx context.Context, id uuid.UUID) (model.MasterTaskStatus, error)
	ClaimSubTask(ctx context.Context, id uuid.UUID, sentinel string) (bool, error)
	GetSample(ctx context.Context, id uuid.UUID) (*model.Sample, error)
	MarkSubmitted(ctx context.Context, id uuid.UUID, externalID string, instanceID uuid.UUID) (bool, error)
	RollbackToPending(ctx context.Context, id uuid.UUID, errMsg string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error)
	MarkPausedByGate(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	Aggregate(ctx context.Context, masterID uuid.UUID) error
	ListSubTasksByMaster(ctx context.Context, masterID uuid.UUID) ([]model.SubTask, error)
}

// SampleSource stages sample blobs for submission. *storage.Store
// satisfies it; a nil source means the object store is unavailable.
type SampleSource interface {
	DownloadSampleToFile(ctx context.Context, objectKey, localPath string) error
}

// Submitter drives pending sub-tasks of one family through the
// claim/submit/ack sequence.
type Submitter struct {
	tasks    SubmitterStore
	blobs    SampleSource
	executor *backend.Executor
	submit   SubmitFunc

	family         model.AnalyzerFamily
	tempDir        string
	maxFileSize    int64
	submitInterval time.Duration
}

type SubmitterParams struct {
	Tasks          SubmitterStore
	Blobs          SampleSource
	Executor       *backend.Executor
	Submit         SubmitFunc
	Family         model.AnalyzerFamily
	TempDir        string
	MaxFileSize    int64
	SubmitInterval time.Duration
}

func NewSubmitter(p SubmitterParams) *Submitter {
	return &Submitter{
		tasks:          p.Tasks,
		blobs:          p.Blobs,
		executor:       p.Executor,
		submit:         p.Submit,
		family:         p.Family,
		tempDir:        p.TempDir,
		maxFileSize:    p.MaxFileSize,
		submitInterval: p.SubmitInterval,
	}
}

// masterGate reports whether the sub-task's master still permits
// submission. A deleted master closes the gate.
func (s *Submitter) masterGate(masterID uuid.UUID) func(context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		status, err := s.tasks.GetMasterStatus(ctx, masterID)
		if apperr.IsKind(err, apperr.NotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return status.Runnable(), nil
	}
}

// SubmitSubTask runs the full submission sequence for one sub-task.
// Returning nil covers both success and the benign skips (lost claim
// race, closed gate); real failures are already persisted on the row
// before the error is returned.
func (s *Submitter) SubmitSubTask(ctx context.Context, subTaskID uuid.UUID) error {
	logger := log.GetLogger().WithFields(map[string]interface{}{
		"family":   s.family,
		"sub_task": subTaskID,
	})

	task, err := s.tasks.GetSubTask(ctx, subTaskID)
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			return nil
		}
		return err
	}
	if task.Status != model.SubPending {
		return nil
	}

	gate := s.masterGate(task.MasterID)
	if open, err := gate(ctx); err != nil {
		return err
	} else if !open {
		return nil
	}

	claimed, err := s.tasks.ClaimSubTask(ctx, subTaskID, ClaimSentinel())
	if err != nil {
		return err
	}
	if !claimed {
		logger.Debug("lost claim race, skipping")
		return nil
	}

	sample, err := s.tasks.GetSample(ctx, task.SampleID)
	if err != nil {
		msg := fmt.Sprintf("sample unavailable: %v", err)
		if apperr.IsKind(err, apperr.Storage) {
			// Database hiccup after the claim; keep the row retryable.
			if _, rerr := s.tasks.RollbackToPending(ctx, subTaskID, msg); rerr != nil {
				return rerr
			}
		} else {
			s.failSubmission(ctx, task, msg)
		}
		return err
	}

	localPath, cleanup, err := s.materialize(ctx, task, sample)
	if err != nil {
		msg := fmt.Sprintf("failed to stage sample: %v", err)
		if apperr.IsKind(err, apperr.Storage) {
			// Object store hiccup: keep the sample eligible for retry.
			if _, rerr := s.tasks.RollbackToPending(ctx, subTaskID, msg); rerr != nil {
				return rerr
			}
		} else {
			s.failSubmission(ctx, task, msg)
		}
		return err
	}
	defer cleanup()

	var externalID string
	var instanceID uuid.UUID
	submitErr := s.executor.Do(ctx, "submit", gate, func(ctx context.Context) error {
		id, inst, err := s.submit(ctx, task, sample, localPath)
		if err != nil {
			return err
		}
		externalID = id
		instanceID = inst
		return nil
	})

	switch {
	case submitErr == nil:
		ok, err := s.tasks.MarkSubmitted(ctx, subTaskID, externalID, instanceID)
		if err != nil {
			return err
		}
		if !ok {
			logger.Warn("sub-task left submitting state during submission")
		}
		return nil

	case errors.Is(submitErr, backend.ErrGateClosed):
		// The pause cascade usually flips the row first; this covers the
		// window where the claim happened after the cascade ran.
		if _, err := s.tasks.MarkPausedByGate(ctx, subTaskID, "master task paused"); err != nil {
			return err
		}
		return nil

	case backend.IsTransient(submitErr):
		logger.WithError(submitErr).Warn("submission retries exhausted, returning to pending")
		if _, err := s.tasks.RollbackToPending(ctx, subTaskID, submitErr.Error()); err != nil {
			return err
		}
		return nil

	default:
		logger.WithError(submitErr).Error("submission failed permanently")
		s.failSubmission(ctx, task, submitErr.Error())
		return nil
	}
}

// failSubmission is a terminal transition, so the master's counters are
// recomputed right away.
func (s *Submitter) failSubmission(ctx context.Context, task *model.SubTask, msg string) {
	ok, err := s.tasks.MarkFailed(ctx, task.ID, msg)
	if err != nil {
		log.GetLogger().WithError(err).Error("failed to persist submission failure")
		return
	}
	if ok {
		if err := s.tasks.Aggregate(ctx, task.MasterID); err != nil {
			log.GetLogger().WithError(err).Error("failed to aggregate master progress")
		}
	}
}

// materialize stages the sample blob into a local temp file and verifies
// the stored size, so a truncated download never reaches a backend.
func (s *Submitter) materialize(ctx context.Context, task *model.SubTask, sample *model.Sample) (string, func(), error) {
	if s.blobs == nil {
		return "", nil, apperr.E(apperr.Storage, "object store unavailable")
	}
	if sample.FileSize > s.maxFileSize {
		return "", nil, apperr.Ef(apperr.Validation,
			"sample %s exceeds the size limit (%d > %d bytes)",
			sample.ID, sample.FileSize, s.maxFileSize)
	}
	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return "", nil, apperr.Wrap(apperr.Internal, "failed to create temp dir", err)
	}

	localPath := filepath.Join(s.tempDir,
		fmt.Sprintf("%s_sample_%s_%s", s.family, sample.ID, task.ID))
	if err := s.blobs.DownloadSampleToFile(ctx, sample.ObjectKey, localPath); err != nil {
		os.Remove(localPath)
		return "", nil, err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		os.Remove(localPath)
		return "", nil, apperr.Wrap(apperr.Internal, "failed to stat staged sample", err)
	}
	if info.Size() != sample.FileSize {
		os.Remove(localPath)
		return "", nil, apperr.Ef(apperr.Storage,
			"staged sample size mismatch: got %d, expected %d", info.Size(), sample.FileSize)
	}
	return localPath, func() { os.Remove(localPath) }, nil
}

// ExecuteBatch submits every pending sub-task of a master serially,
// spacing submission attempts and re-checking the master gate between
// iterations. Rows that are not pending are skipped without consuming
// any of the spacing delay, so a mostly-done master resumes quickly.
func (s *Submitter) ExecuteBatch(ctx context.Context, masterID uuid.UUID) error {
	logger := log.GetLogger().WithFields(map[string]interface{}{
		"family": s.family,
		"master": masterID,
	})

	subTasks, err := s.tasks.ListSubTasksByMaster(ctx, masterID)
	if err != nil {
		return err
	}

	gate := s.masterGate(masterID)
	attempted := 0
	for _, task := range subTasks {
		if task.Status != model.SubPending {
			continue
		}
		open, err := gate(ctx)
		if err != nil {
			return err
		}
		if !open {
			logger.Info("master no longer runnable, stopping batch submission")
			return nil
		}

		// Space out consecutive attempts; there is no delay before the
		// first one or after the last.
		if attempted > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.submitInterval):
			}
		}
		attempted++
		if err := s.SubmitSubTask(ctx, task.ID); err != nil {
			logger.WithError(err).Errorf("sub-task %s submission errored", task.ID)
		}
	}
	logger.Infof("batch submission finished, %d sub-tasks processed", attempted)

	// Permanent failures inside the batch already aggregated one by one;
	// this settles the master once more after the last submission.
	if err := s.tasks.Aggregate(ctx, masterID); err != nil {
		logger.WithError(err).Error("failed to aggregate master progress")
	}
	return nil
}
