package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/triage/internal/config"
	"firestige.xyz/triage/internal/log"
	"firestige.xyz/triage/internal/model"
	"firestige.xyz/triage/internal/store"
)

// resubmitGap spaces recovered submissions so a large backlog does not
// slam the backends right after a restart.
const resubmitGap = 100 * time.Millisecond

// ResubmitFunc re-enters one sub-task into the submission pipeline.
type ResubmitFunc func(ctx context.Context, subTaskID uuid.UUID) error

// Sweeper repairs state left behind by a crash or restart: unclaimed
// pending sub-tasks that lost their batch run, and rows stuck in
// submitting whose owner died mid-flight.
type Sweeper struct {
	tasks      *store.TaskStore
	cfg        config.RecoveryConfig
	resubmitBy map[model.AnalyzerFamily]ResubmitFunc
}

func NewSweeper(tasks *store.TaskStore, cfg config.RecoveryConfig, resubmitBy map[model.AnalyzerFamily]ResubmitFunc) *Sweeper {
	return &Sweeper{tasks: tasks, cfg: cfg, resubmitBy: resubmitBy}
}

// Run waits out the initial delay, then sweeps on the scan interval.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		log.GetLogger().Info("recovery sweeper disabled")
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(s.cfg.InitialDelaySecs) * time.Second):
	}
	s.sweep(ctx)

	ticker := time.NewTicker(time.Duration(s.cfg.ScanIntervalSecs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	for family := range s.resubmitBy {
		s.recoverPending(ctx, family)
		s.recoverStuckSubmitting(ctx, family)
	}
}

// recoverPending re-enters orphaned pending sub-tasks serially. Claim
// guards in the submitter make double recovery harmless.
func (s *Sweeper) recoverPending(ctx context.Context, family model.AnalyzerFamily) {
	logger := log.GetLogger().WithField("family", family)

	pending, err := s.tasks.ListPendingForRecovery(ctx, family, s.cfg.BatchSize)
	if err != nil {
		logger.WithError(err).Error("failed to list pending sub-tasks for recovery")
		return
	}
	if len(pending) == 0 {
		return
	}
	logger.Infof("recovering %d orphaned pending sub-tasks", len(pending))

	resubmit := s.resubmitBy[family]
	for _, task := range pending {
		if err := resubmit(ctx, task.ID); err != nil {
			logger.WithError(err).Errorf("failed to re-submit sub-task %s", task.ID)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubmitGap):
		}
	}
}

// recoverStuckSubmitting returns crashed-claim rows to pending. They are
// picked up again by the next pending sweep or batch run.
func (s *Sweeper) recoverStuckSubmitting(ctx context.Context, family model.AnalyzerFamily) {
	logger := log.GetLogger().WithField("family", family)

	stuck, err := s.tasks.ListStuckSubmitting(ctx, family,
		s.cfg.StuckSubmittingThresholdSecs, s.cfg.BatchSize)
	if err != nil {
		logger.WithError(err).Error("failed to list stuck submitting sub-tasks")
		return
	}
	if len(stuck) == 0 {
		return
	}

	recovered := 0
	for _, task := range stuck {
		ok, err := s.tasks.RecoverStuckSubmitting(ctx, task.ID)
		if err != nil {
			logger.WithError(err).Errorf("failed to recover sub-task %s", task.ID)
			continue
		}
		if ok {
			recovered++
		}
	}
	logger.Infof("recovered %d/%d stuck submitting sub-tasks", recovered, len(stuck))
}
