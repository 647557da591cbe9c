// Package registry keeps the in-memory view of backend instances for
// one analyzer family: the database rows, one client per instance, and
// a health loop per instance.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/log"
	"firestige.xyz/triage/internal/model"
	"firestige.xyz/triage/internal/store"
)

const probeTimeout = 10 * time.Second

// HealthChecker is the probe surface every backend client provides.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type entry[C HealthChecker] struct {
	inst   model.Instance
	client C
	cancel context.CancelFunc
}

// Registry tracks the instances of one family. Instances are reloaded
// from the database on a fixed interval so rows added through the API
// become schedulable without a restart.
type Registry[C HealthChecker] struct {
	mu      sync.RWMutex
	store   *store.InstanceStore
	factory func(baseURL string) C
	entries map[uuid.UUID]*entry[C]
	rr      int

	syncInterval time.Duration
}

func New[C HealthChecker](st *store.InstanceStore, syncInterval time.Duration, factory func(baseURL string) C) *Registry[C] {
	return &Registry[C]{
		store:        st,
		factory:      factory,
		entries:      make(map[uuid.UUID]*entry[C]),
		syncInterval: syncInterval,
	}
}

func (r *Registry[C]) Family() model.AnalyzerFamily { return r.store.Family() }

// Run reloads instances until ctx is cancelled. The first sync happens
// immediately so the boot sequence sees instances before serving.
func (r *Registry[C]) Run(ctx context.Context) {
	logger := log.GetLogger().WithField("family", r.Family())
	if err := r.Sync(ctx); err != nil {
		logger.WithError(err).Error("initial instance sync failed")
	}
	ticker := time.NewTicker(r.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			return
		case <-ticker.C:
			if err := r.Sync(ctx); err != nil {
				logger.WithError(err).Error("instance sync failed")
			}
		}
	}
}

// Sync reconciles the in-memory set with the database. A changed
// base_url replaces the client; removed rows stop their health loop.
func (r *Registry[C]) Sync(ctx context.Context) error {
	instances, err := r.store.List(ctx, false)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[uuid.UUID]bool, len(instances))
	for _, inst := range instances {
		seen[inst.ID] = true
		if e, ok := r.entries[inst.ID]; ok {
			if e.inst.BaseURL != inst.BaseURL {
				e.client = r.factory(inst.BaseURL)
			}
			e.inst = inst
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		e := &entry[C]{inst: inst, client: r.factory(inst.BaseURL), cancel: cancel}
		r.entries[inst.ID] = e
		go r.healthLoop(loopCtx, inst.ID)
	}
	for id, e := range r.entries {
		if !seen[id] {
			e.cancel()
			delete(r.entries, id)
		}
	}
	return nil
}

func (r *Registry[C]) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		e.cancel()
		delete(r.entries, id)
	}
}

// healthLoop probes one instance on its configured interval until the
// instance is removed or the registry shuts down.
func (r *Registry[C]) healthLoop(ctx context.Context, id uuid.UUID) {
	for {
		r.mu.RLock()
		e, ok := r.entries[id]
		if !ok {
			r.mu.RUnlock()
			return
		}
		interval := time.Duration(e.inst.HealthCheckIntervalSecs) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		client := e.client
		name := e.inst.Name
		r.mu.RUnlock()

		report := r.probe(ctx, id, client)
		if report.Status == model.InstanceUnhealthy {
			log.GetLogger().WithFields(map[string]interface{}{
				"family":   r.Family(),
				"instance": name,
			}).Warnf("health check failed: %s", report.Error)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (r *Registry[C]) probe(ctx context.Context, id uuid.UUID, client C) model.HealthReport {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := client.HealthCheck(probeCtx)
	report := model.HealthReport{
		InstanceID:     id,
		Status:         model.InstanceHealthy,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		CheckedAt:      time.Now().UTC(),
	}
	if err != nil {
		report.Status = model.InstanceUnhealthy
		report.Error = err.Error()
	}

	if err := r.store.RecordHealth(ctx, id, report.Status); err != nil {
		log.GetLogger().WithError(err).Error("failed to persist health check")
	}

	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.inst.Status = report.Status
		now := report.CheckedAt
		e.inst.LastHealthCheckAt = &now
	}
	r.mu.Unlock()
	return report
}

// CheckNow probes one instance immediately, outside its loop schedule.
func (r *Registry[C]) CheckNow(ctx context.Context, id uuid.UUID) (model.HealthReport, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return model.HealthReport{}, apperr.Ef(apperr.NotFound, "instance %s not registered", id)
	}
	return r.probe(ctx, id, e.client), nil
}

// Client returns the client for an instance id.
func (r *Registry[C]) Client(id uuid.UUID) (C, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		var zero C
		return zero, apperr.Ef(apperr.NotFound, "instance %s not registered", id)
	}
	return e.client, nil
}

// Available returns the instances currently eligible for submissions.
func (r *Registry[C]) Available() []model.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Instance, 0, len(r.entries))
	for _, e := range r.entries {
		if e.inst.Available() {
			out = append(out, e.inst)
		}
	}
	return out
}

// PickAvailable returns an available instance, rotating between them.
func (r *Registry[C]) PickAvailable() (model.Instance, C, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []*entry[C]
	for _, e := range r.entries {
		if e.inst.Available() {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		var zero C
		return model.Instance{}, zero, apperr.Ef(apperr.Conflict,
			"no available %s instance", r.Family())
	}
	r.rr++
	e := candidates[r.rr%len(candidates)]
	return e.inst, e.client, nil
}

// Snapshot returns the full in-memory instance set.
func (r *Registry[C]) Snapshot() []model.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Instance, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.inst)
	}
	return out
}
