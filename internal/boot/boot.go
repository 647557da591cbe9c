// Package boot assembles and runs the orchestrator process.
package boot

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/triage/internal/api"
	"firestige.xyz/triage/internal/backend"
	"firestige.xyz/triage/internal/config"
	"firestige.xyz/triage/internal/dispatch"
	"firestige.xyz/triage/internal/extractor"
	"firestige.xyz/triage/internal/log"
	"firestige.xyz/triage/internal/model"
	"firestige.xyz/triage/internal/registry"
	"firestige.xyz/triage/internal/sandbox"
	"firestige.xyz/triage/internal/storage"
	"firestige.xyz/triage/internal/store"
)

// Start brings up the full process: database, object store, registries,
// background loops and the HTTP server. It blocks until SIGINT/SIGTERM
// and then shuts down within the given timeout.
//
// The database is required; the object store is not. A missing store
// leaves the process in degraded mode, visible on /health, so operators
// can still inspect and control tasks.
func Start(cfg *config.GlobalConfig, shutdownTimeout time.Duration) error {
	log.Init(&cfg.Log)
	logger := log.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database connected")

	var blobs *storage.Store
	if b, err := storage.Connect(ctx, cfg.Storage); err != nil {
		logger.WithError(err).Warn("object store unavailable, starting degraded")
	} else {
		blobs = b
		logger.Info("object store connected")
	}

	tasks := store.NewTaskStore(db)
	results := store.NewResultStore(db)
	sandboxInstances := store.NewInstanceStore(db, model.FamilySandbox)
	extractorInstances := store.NewInstanceStore(db, model.FamilyExtractor)

	sandboxReg := registry.New(sandboxInstances, time.Minute,
		func(baseURL string) *sandbox.Client { return sandbox.NewClient(baseURL) })
	extractorReg := registry.New(extractorInstances,
		time.Duration(cfg.Extractor.SyncIntervalSecs)*time.Second,
		func(baseURL string) *extractor.Client { return extractor.NewClient(baseURL) })
	go sandboxReg.Run(ctx)
	go extractorReg.Run(ctx)

	// A nil *storage.Store must stay a nil interface, or the degraded
	// check inside the submitter never fires.
	var sampleSrc dispatch.SampleSource
	if blobs != nil {
		sampleSrc = blobs
	}

	sandboxSubmitter := dispatch.NewSubmitter(dispatch.SubmitterParams{
		Tasks:          tasks,
		Blobs:          sampleSrc,
		Executor:       backend.NewExecutor(cfg.Sandbox.Retry),
		Family:         model.FamilySandbox,
		TempDir:        cfg.File.TempDir,
		MaxFileSize:    cfg.File.MaxSize,
		SubmitInterval: time.Duration(cfg.Sandbox.SubmitIntervalMs) * time.Millisecond,
		Submit: func(ctx context.Context, task *model.SubTask, sample *model.Sample, localPath string) (string, uuid.UUID, error) {
			instanceID, client, err := clientForTask(sandboxReg, task)
			if err != nil {
				return "", uuid.Nil, err
			}
			id, err := client.SubmitFile(ctx, localPath, nil)
			if err != nil {
				return "", uuid.Nil, err
			}
			return strconv.Itoa(id), instanceID, nil
		},
	})

	extractorSubmitter := dispatch.NewSubmitter(dispatch.SubmitterParams{
		Tasks:          tasks,
		Blobs:          sampleSrc,
		Executor:       backend.NewExecutor(cfg.Extractor.Retry),
		Family:         model.FamilyExtractor,
		TempDir:        cfg.File.TempDir,
		MaxFileSize:    cfg.File.MaxSize,
		SubmitInterval: time.Duration(cfg.Extractor.SubmitIntervalMs) * time.Millisecond,
		Submit: func(ctx context.Context, task *model.SubTask, sample *model.Sample, localPath string) (string, uuid.UUID, error) {
			instanceID, client, err := clientForTask(extractorReg, task)
			if err != nil {
				return "", uuid.Nil, err
			}
			label := 0
			if sample.Labels != nil {
				label = *sample.Labels
			}
			// The extractor keys tasks by sha256; the hash is the id.
			if err := client.SubmitPE(ctx, localPath, sample.SHA256, label); err != nil {
				return "", uuid.Nil, err
			}
			return sample.SHA256, instanceID, nil
		},
	})

	pollInterval := time.Duration(cfg.Sandbox.StatusCheckIntervalSecs) * time.Second
	sandboxPoller := dispatch.NewPoller(tasks, sandboxReg, pollInterval, cfg.Sandbox.PollBatchSize,
		func(ctx context.Context, client *sandbox.Client, externalID string) (string, error) {
			id, err := strconv.Atoi(externalID)
			if err != nil {
				return "", err
			}
			return client.GetTaskStatus(ctx, id)
		})

	extractorInterval := time.Duration(cfg.Extractor.SyncIntervalSecs) * time.Second
	extractorPoller := dispatch.NewPoller(tasks, extractorReg, extractorInterval, cfg.Extractor.PollBatchSize,
		func(ctx context.Context, client *extractor.Client, externalID string) (string, error) {
			doc, err := client.GetTaskStatus(ctx, externalID)
			if err != nil {
				return "", err
			}
			status, _ := doc["status"].(string)
			return status, nil
		})
	go sandboxPoller.Run(ctx)
	go extractorPoller.Run(ctx)

	// Sandbox reports go straight to the database, so that fetcher runs
	// regardless; only the extractor fetcher re-homes artifacts into the
	// object store and has to wait for it.
	sandboxFetcher := dispatch.NewSandboxFetcher(tasks, results, sandboxReg,
		pollInterval, cfg.Sandbox.PollBatchSize)
	go sandboxFetcher.Run(ctx)
	if blobs != nil {
		extractorFetcher := dispatch.NewExtractorFetcher(tasks, results, blobs, extractorReg,
			extractorInterval, cfg.Extractor.PollBatchSize)
		go extractorFetcher.Run(ctx)
	} else {
		logger.Warn("extractor result fetcher disabled without object store")
	}

	sweeper := dispatch.NewSweeper(tasks, cfg.Recovery, map[model.AnalyzerFamily]dispatch.ResubmitFunc{
		model.FamilySandbox:   sandboxSubmitter.SubmitSubTask,
		model.FamilyExtractor: extractorSubmitter.SubmitSubTask,
	})
	go sweeper.Run(ctx)

	controller := dispatch.NewController(tasks, map[model.AnalyzerFamily]dispatch.BatchFunc{
		model.FamilySandbox:   sandboxSubmitter.ExecuteBatch,
		model.FamilyExtractor: extractorSubmitter.ExecuteBatch,
	})

	server := api.NewServer(api.Deps{
		Tasks:              tasks,
		Results:            results,
		Controller:         controller,
		Blobs:              blobs,
		SandboxInstances:   sandboxInstances,
		ExtractorInstances: extractorInstances,
		SandboxHealth:      sandboxReg,
		ExtractorHealth:    extractorReg,
		DBCheck: func(ctx context.Context) error {
			return store.HealthCheck(ctx, db)
		},
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("http server listening on %s", cfg.Server.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown did not finish cleanly")
	}
	logger.Info("shutdown complete")
	return nil
}

// clientForTask resolves the instance a sub-task submits through: the
// pre-assigned one when set, otherwise a picked available instance. The
// returned id is what the submitter persists on the row.
func clientForTask[C registry.HealthChecker](reg *registry.Registry[C], task *model.SubTask) (uuid.UUID, C, error) {
	if task.InstanceID != nil && *task.InstanceID != uuid.Nil {
		client, err := reg.Client(*task.InstanceID)
		return *task.InstanceID, client, err
	}
	inst, client, err := reg.PickAvailable()
	return inst.ID, client, err
}

