package dispatch

import (
	"context"

	"github.com/google/uuid"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/log"
	"firestige.xyz/triage/internal/model"
)

// BatchFunc runs the serial submission of a master's pending sub-tasks.
type BatchFunc func(ctx context.Context, masterID uuid.UUID) error

// LifecycleStore is the slice of the task store the controller needs.
// *store.TaskStore satisfies it.
type LifecycleStore interface {
	GetMaster(ctx context.Context, id uuid.UUID) (*model.MasterTask, error)
	StartMaster(ctx context.Context, id uuid.UUID) (bool, error)
	PauseMaster(ctx context.Context, id uuid.UUID, reason *string) (bool, error)
	CascadePause(ctx context.Context, masterID uuid.UUID) (int64, error)
	ResumeMaster(ctx context.Context, id uuid.UUID) (bool, error)
	CascadeResume(ctx context.Context, masterID uuid.UUID) ([]uuid.UUID, error)
	CancelMaster(ctx context.Context, id uuid.UUID) (bool, error)
	CascadeCancel(ctx context.Context, masterID uuid.UUID) (int64, error)
	Aggregate(ctx context.Context, masterID uuid.UUID) error
	AggregateCounts(ctx context.Context, masterID uuid.UUID) error
}

// Controller orchestrates the operator-facing lifecycle commands.
// Pause is cooperative: the master flip closes the gate and the cascade
// parks what has not reached a backend; in-flight analyses finish on
// their own.
type Controller struct {
	tasks   LifecycleStore
	batchBy map[model.AnalyzerFamily]BatchFunc
}

func NewController(tasks LifecycleStore, batchBy map[model.AnalyzerFamily]BatchFunc) *Controller {
	return &Controller{tasks: tasks, batchBy: batchBy}
}

// Execute kicks off submission of a pending master in the background.
func (c *Controller) Execute(ctx context.Context, masterID uuid.UUID) error {
	master, err := c.tasks.GetMaster(ctx, masterID)
	if err != nil {
		return err
	}
	batch, ok := c.batchBy[master.AnalyzerFamily]
	if !ok {
		return apperr.Ef(apperr.Validation, "no executor for family %s", master.AnalyzerFamily)
	}

	started, err := c.tasks.StartMaster(ctx, masterID)
	if err != nil {
		return err
	}
	if !started && master.Status != model.MasterRunning {
		return apperr.Ef(apperr.Conflict,
			"master task is %s and cannot be executed", master.Status)
	}

	go func() {
		// Detached from the request; the batch outlives the HTTP call.
		bg := context.WithoutCancel(ctx)
		if err := batch(bg, masterID); err != nil {
			log.GetLogger().WithError(err).Errorf("batch execution of master %s errored", masterID)
		}
	}()
	return nil
}

// Pause flips the master and parks its not-yet-submitted sub-tasks.
func (c *Controller) Pause(ctx context.Context, masterID uuid.UUID, reason *string) error {
	ok, err := c.tasks.PauseMaster(ctx, masterID, reason)
	if err != nil {
		return err
	}
	if !ok {
		master, err := c.tasks.GetMaster(ctx, masterID)
		if err != nil {
			return err
		}
		return apperr.Ef(apperr.Conflict, "master task is %s and cannot be paused", master.Status)
	}

	parked, err := c.tasks.CascadePause(ctx, masterID)
	if err != nil {
		return err
	}
	log.GetLogger().Infof("paused master %s, parked %d sub-tasks", masterID, parked)
	return nil
}

// Resume returns a paused master to running, revives its parked
// sub-tasks and re-enters them into submission in the background.
func (c *Controller) Resume(ctx context.Context, masterID uuid.UUID) error {
	master, err := c.tasks.GetMaster(ctx, masterID)
	if err != nil {
		return err
	}

	ok, err := c.tasks.ResumeMaster(ctx, masterID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Ef(apperr.Conflict, "master task is %s and cannot be resumed", master.Status)
	}

	revived, err := c.tasks.CascadeResume(ctx, masterID)
	if err != nil {
		return err
	}
	log.GetLogger().Infof("resumed master %s, revived %d sub-tasks", masterID, len(revived))

	// The aggregator skips paused masters, so every sub-task may have
	// reached a terminal state in the meantime. Settle the master now;
	// with nothing revived there is no later transition to trigger it.
	if err := c.tasks.Aggregate(ctx, masterID); err != nil {
		log.GetLogger().WithError(err).Error("failed to aggregate master progress after resume")
	}

	if len(revived) == 0 {
		return nil
	}
	batch, ok := c.batchBy[master.AnalyzerFamily]
	if !ok {
		return nil
	}
	go func() {
		bg := context.WithoutCancel(ctx)
		if err := batch(bg, masterID); err != nil {
			log.GetLogger().WithError(err).Errorf("resume submission of master %s errored", masterID)
		}
	}()
	return nil
}

// Cancel terminates a non-terminal master and all of its non-terminal
// sub-tasks. Results already stored stay queryable.
func (c *Controller) Cancel(ctx context.Context, masterID uuid.UUID) error {
	ok, err := c.tasks.CancelMaster(ctx, masterID)
	if err != nil {
		return err
	}
	if !ok {
		master, err := c.tasks.GetMaster(ctx, masterID)
		if err != nil {
			return err
		}
		return apperr.Ef(apperr.Conflict, "master task is %s and cannot be cancelled", master.Status)
	}

	cancelled, err := c.tasks.CascadeCancel(ctx, masterID)
	if err != nil {
		return err
	}
	// The cascade moved children to a terminal state; refresh the
	// counters while leaving the cancelled status in place.
	if err := c.tasks.AggregateCounts(ctx, masterID); err != nil {
		log.GetLogger().WithError(err).Error("failed to refresh master counters after cancel")
	}
	log.GetLogger().Infof("cancelled master %s and %d sub-tasks", masterID, cancelled)
	return nil
}
