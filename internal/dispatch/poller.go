package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"firestige.xyz/triage/internal/log"
	"firestige.xyz/triage/internal/model"
	"firestige.xyz/triage/internal/registry"
	"firestige.xyz/triage/internal/store"
)

// StatusQueryFunc asks one backend instance for the status string of an
// external task.
type StatusQueryFunc[C registry.HealthChecker] func(ctx context.Context, client C, externalID string) (string, error)

// Poller periodically asks the backends for the status of in-flight
// sub-tasks and advances their rows. Instances are polled in parallel;
// within an instance, rows are walked oldest-update first.
type Poller[C registry.HealthChecker] struct {
	tasks    *store.TaskStore
	reg      *registry.Registry[C]
	query    StatusQueryFunc[C]
	family   model.AnalyzerFamily
	interval time.Duration
	batch    int
}

func NewPoller[C registry.HealthChecker](tasks *store.TaskStore, reg *registry.Registry[C], interval time.Duration, batch int, query StatusQueryFunc[C]) *Poller[C] {
	return &Poller[C]{
		tasks:    tasks,
		reg:      reg,
		query:    query,
		family:   reg.Family(),
		interval: interval,
		batch:    batch,
	}
}

func (p *Poller[C]) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *Poller[C]) pollAll(ctx context.Context) {
	instances := p.reg.Snapshot()
	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst model.Instance) {
			defer wg.Done()
			p.pollInstance(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

func (p *Poller[C]) pollInstance(ctx context.Context, inst model.Instance) {
	logger := log.GetLogger().WithFields(map[string]interface{}{
		"family":   p.family,
		"instance": inst.Name,
	})

	client, err := p.reg.Client(inst.ID)
	if err != nil {
		return
	}
	tasks, err := p.tasks.ListForPoll(ctx, p.family, inst.ID, p.batch)
	if err != nil {
		logger.WithError(err).Error("failed to list sub-tasks for polling")
		return
	}

	for _, task := range tasks {
		if task.Status.Terminal() || !task.HasRealExternalID() {
			continue
		}
		status, err := p.query(ctx, client, *task.ExternalTaskID)
		if err != nil {
			// Push the row to the queue tail so one broken task cannot
			// block the rest of the instance's slice.
			if terr := p.tasks.Touch(ctx, task.ID, err.Error()); terr != nil {
				logger.WithError(terr).Error("failed to record status query error")
			}
			continue
		}
		p.apply(ctx, logger, &task, status)
	}
}

// apply advances one sub-task according to the backend status string.
func (p *Poller[C]) apply(ctx context.Context, logger log.Logger, task *model.SubTask, backendStatus string) {
	switch mapBackendStatus(backendStatus) {
	case model.SubAnalyzing:
		if task.Status != model.SubSubmitted {
			return
		}
		if _, err := p.tasks.Transition(ctx, task.ID,
			[]model.SubTaskStatus{model.SubSubmitted}, model.SubAnalyzing, nil); err != nil {
			logger.WithError(err).Error("failed to mark sub-task analyzing")
		}

	case model.SubCompleted:
		ok, err := p.tasks.Transition(ctx, task.ID,
			[]model.SubTaskStatus{model.SubSubmitted, model.SubAnalyzing}, model.SubCompleted, nil)
		if err != nil {
			logger.WithError(err).Error("failed to mark sub-task completed")
			return
		}
		if ok {
			if err := p.tasks.Aggregate(ctx, task.MasterID); err != nil {
				logger.WithError(err).Error("failed to aggregate master progress")
			}
		}

	case model.SubFailed:
		msg := "backend reported status: " + backendStatus
		ok, err := p.tasks.Transition(ctx, task.ID,
			[]model.SubTaskStatus{model.SubSubmitted, model.SubAnalyzing}, model.SubFailed, &msg)
		if err != nil {
			logger.WithError(err).Error("failed to mark sub-task failed")
			return
		}
		if ok {
			if err := p.tasks.Aggregate(ctx, task.MasterID); err != nil {
				logger.WithError(err).Error("failed to aggregate master progress")
			}
		}

	default:
		logger.Debugf("sub-task %s: unrecognized backend status %q", task.ID, backendStatus)
	}
}

// mapBackendStatus folds the status vocabularies of both backend
// families onto the sub-task lifecycle. An empty result means the
// status is unknown and the row is left untouched.
func mapBackendStatus(s string) model.SubTaskStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "running", "analyzing", "processing", "distributed":
		return model.SubAnalyzing
	case "completed", "reported", "finished", "success":
		return model.SubCompleted
	case "failed", "failed_analysis", "failed_processing", "failed_reporting", "error":
		return model.SubFailed
	default:
		return ""
	}
}
