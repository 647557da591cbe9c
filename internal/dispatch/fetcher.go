package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"firestige.xyz/triage/internal/extractor"
	"firestige.xyz/triage/internal/jsonx"
	"firestige.xyz/triage/internal/log"
	"firestige.xyz/triage/internal/model"
	"firestige.xyz/triage/internal/registry"
	"firestige.xyz/triage/internal/sandbox"
	"firestige.xyz/triage/internal/storage"
	"firestige.xyz/triage/internal/store"
)

// SandboxFetcher pulls full reports for completed sandbox sub-tasks that
// have no stored result yet. It runs decoupled from the status poller so
// a slow report render never delays status progression.
type SandboxFetcher struct {
	tasks    *store.TaskStore
	results  *store.ResultStore
	reg      *registry.Registry[*sandbox.Client]
	interval time.Duration
	batch    int
}

func NewSandboxFetcher(tasks *store.TaskStore, results *store.ResultStore, reg *registry.Registry[*sandbox.Client], interval time.Duration, batch int) *SandboxFetcher {
	return &SandboxFetcher{tasks: tasks, results: results, reg: reg, interval: interval, batch: batch}
}

func (f *SandboxFetcher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.fetchAll(ctx)
		}
	}
}

func (f *SandboxFetcher) fetchAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, inst := range f.reg.Snapshot() {
		wg.Add(1)
		go func(inst model.Instance) {
			defer wg.Done()
			f.fetchInstance(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

func (f *SandboxFetcher) fetchInstance(ctx context.Context, inst model.Instance) {
	logger := log.GetLogger().WithFields(map[string]interface{}{
		"family":   model.FamilySandbox,
		"instance": inst.Name,
	})

	client, err := f.reg.Client(inst.ID)
	if err != nil {
		return
	}
	pending, err := f.tasks.ListAwaitingReport(ctx, model.FamilySandbox, inst.ID, "sandbox_results", f.batch)
	if err != nil {
		logger.WithError(err).Error("failed to list sub-tasks awaiting report")
		return
	}

	for _, task := range pending {
		if err := f.fetchOne(ctx, client, &task); err != nil {
			logger.WithError(err).Errorf("report fetch failed for sub-task %s", task.ID)
			if terr := f.tasks.Touch(ctx, task.ID, err.Error()); terr != nil {
				logger.WithError(terr).Error("failed to record report fetch error")
			}
		}
	}
}

func (f *SandboxFetcher) fetchOne(ctx context.Context, client *sandbox.Client, task *model.SubTask) error {
	externalID, err := strconv.Atoi(*task.ExternalTaskID)
	if err != nil {
		return fmt.Errorf("sub-task carries a non-numeric external id %q", *task.ExternalTaskID)
	}

	report, err := client.GetReport(ctx, externalID)
	if err != nil {
		return err
	}
	// NUL bytes are rejected by jsonb, so strip them before persisting.
	sanitized, _ := jsonx.SanitizeForPg(report).(map[string]interface{})
	if sanitized == nil {
		sanitized = report
	}

	result, err := model.NewSandboxResult(task.ID, task.SampleID, externalID, sanitized)
	if err != nil {
		return err
	}
	inserted, err := f.results.InsertSandboxResult(ctx, result)
	if err != nil {
		return err
	}
	if !inserted {
		log.GetLogger().Debugf("sub-task %s already has a stored result", task.ID)
	}
	return nil
}

// ExtractorFetcher is the extractor family's sync loop: it parks
// sub-tasks of paused masters, then pulls results for completed
// sub-tasks, re-homing every artifact into the result bucket before the
// result row is written.
type ExtractorFetcher struct {
	tasks    *store.TaskStore
	results  *store.ResultStore
	blobs    *storage.Store
	reg      *registry.Registry[*extractor.Client]
	interval time.Duration
	batch    int
}

func NewExtractorFetcher(tasks *store.TaskStore, results *store.ResultStore, blobs *storage.Store, reg *registry.Registry[*extractor.Client], interval time.Duration, batch int) *ExtractorFetcher {
	return &ExtractorFetcher{tasks: tasks, results: results, blobs: blobs, reg: reg, interval: interval, batch: batch}
}

func (f *ExtractorFetcher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.syncOnce(ctx)
		}
	}
}

func (f *ExtractorFetcher) syncOnce(ctx context.Context) {
	logger := log.GetLogger().WithField("family", model.FamilyExtractor)

	// A pause issued between gate checks can leave rows behind; sweep
	// them family-wide every cycle.
	if n, err := f.tasks.PauseSubTasksOfPausedMasters(ctx, model.FamilyExtractor); err != nil {
		logger.WithError(err).Error("failed to park sub-tasks of paused masters")
	} else if n > 0 {
		logger.Infof("parked %d sub-tasks of paused masters", n)
	}

	var wg sync.WaitGroup
	for _, inst := range f.reg.Snapshot() {
		wg.Add(1)
		go func(inst model.Instance) {
			defer wg.Done()
			f.fetchInstance(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

func (f *ExtractorFetcher) fetchInstance(ctx context.Context, inst model.Instance) {
	logger := log.GetLogger().WithFields(map[string]interface{}{
		"family":   model.FamilyExtractor,
		"instance": inst.Name,
	})

	client, err := f.reg.Client(inst.ID)
	if err != nil {
		return
	}
	pending, err := f.tasks.ListAwaitingReport(ctx, model.FamilyExtractor, inst.ID, "extractor_results", f.batch)
	if err != nil {
		logger.WithError(err).Error("failed to list sub-tasks awaiting result")
		return
	}

	for _, task := range pending {
		if err := f.fetchOne(ctx, client, &task); err != nil {
			logger.WithError(err).Errorf("result fetch failed for sub-task %s", task.ID)
			if terr := f.tasks.Touch(ctx, task.ID, err.Error()); terr != nil {
				logger.WithError(terr).Error("failed to record result fetch error")
			}
		}
	}
}

func (f *ExtractorFetcher) fetchOne(ctx context.Context, client *extractor.Client, task *model.SubTask) error {
	externalID := *task.ExternalTaskID

	result, err := client.GetResult(ctx, externalID)
	if err != nil {
		return err
	}
	sanitized, _ := jsonx.SanitizeForPg(result).(map[string]interface{})
	if sanitized == nil {
		sanitized = result
	}

	// All artifacts must be re-homed before the result row exists; once
	// the row is written this sub-task is never fetched again.
	stored, err := f.storeArtifacts(ctx, client, externalID, sanitized)
	if err != nil {
		return err
	}
	if len(stored) > 0 {
		sanitized["result_files"] = stored
	}

	row := &model.ExtractorResult{
		ID:         uuid.New(),
		SubTaskID:  task.ID,
		SampleID:   task.SampleID,
		ExternalID: externalID,
	}
	if msg, ok := sanitized["message"].(string); ok && msg != "" {
		row.Message = &msg
	}
	if len(stored) > 0 {
		raw, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to encode result files: %w", err)
		}
		row.ResultFiles = types.JSONText(raw)
	}
	full, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("failed to encode full result: %w", err)
	}
	row.FullReport = types.JSONText(full)

	if _, err := f.results.InsertExtractorResult(ctx, row); err != nil {
		return err
	}
	return nil
}

// storeArtifacts downloads each listed result file and re-homes it under
// the result bucket, returning the logical-name to object-key mapping.
// A listed file that fails to transfer aborts the whole fetch, leaving
// the sub-task without a result row so the next tick retries; entries
// without a usable file name are skipped.
func (f *ExtractorFetcher) storeArtifacts(ctx context.Context, client *extractor.Client, externalID string, result map[string]interface{}) (map[string]string, error) {
	files, ok := result["result_files"].(map[string]interface{})
	if !ok {
		return nil, nil
	}

	stored := make(map[string]string, len(files))
	for logical, v := range files {
		fileName, ok := v.(string)
		if !ok || fileName == "" {
			continue
		}
		body, size, err := client.DownloadResultFile(ctx, externalID, fileName)
		if err != nil {
			return nil, fmt.Errorf("download of artifact %s failed: %w", fileName, err)
		}
		key := fmt.Sprintf("cfg/%s/%s", externalID, fileName)
		err = f.uploadArtifact(ctx, key, body, size)
		body.Close()
		if err != nil {
			return nil, fmt.Errorf("store of artifact %s failed: %w", fileName, err)
		}
		stored[logical] = key
	}
	return stored, nil
}

func (f *ExtractorFetcher) uploadArtifact(ctx context.Context, key string, body io.Reader, size int64) error {
	if size >= 0 {
		return f.blobs.UploadArtifact(ctx, key, body, size)
	}
	// Unknown content length; buffer so the object store gets a size.
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	return f.blobs.UploadArtifact(ctx, key, bytes.NewReader(data), int64(len(data)))
}
