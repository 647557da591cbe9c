package dispatch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/backend"
	"firestige.xyz/triage/internal/config"
	"firestige.xyz/triage/internal/model"
)

// fakeTaskStore keeps sub-tasks in memory and records every transition
// the submitter asks for.
type fakeTaskStore struct {
	subTasks     map[uuid.UUID]*model.SubTask
	order        []uuid.UUID
	samples      map[uuid.UUID]*model.Sample
	sampleErr    error
	masterStatus model.MasterTaskStatus

	submittedExternal map[uuid.UUID]string
	submittedInstance map[uuid.UUID]uuid.UUID
	rolledBack        []uuid.UUID
	failed            []uuid.UUID
	pausedByGate      []uuid.UUID
	aggregates        int
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		subTasks:          map[uuid.UUID]*model.SubTask{},
		samples:           map[uuid.UUID]*model.Sample{},
		masterStatus:      model.MasterRunning,
		submittedExternal: map[uuid.UUID]string{},
		submittedInstance: map[uuid.UUID]uuid.UUID{},
	}
}

func (f *fakeTaskStore) addSubTask(t *model.SubTask) {
	f.subTasks[t.ID] = t
	f.order = append(f.order, t.ID)
}

func (f *fakeTaskStore) GetSubTask(_ context.Context, id uuid.UUID) (*model.SubTask, error) {
	t, ok := f.subTasks[id]
	if !ok {
		return nil, apperr.Ef(apperr.NotFound, "sub-task %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTaskStore) GetMasterStatus(context.Context, uuid.UUID) (model.MasterTaskStatus, error) {
	return f.masterStatus, nil
}

func (f *fakeTaskStore) ClaimSubTask(_ context.Context, id uuid.UUID, sentinel string) (bool, error) {
	t := f.subTasks[id]
	if t.Status != model.SubPending {
		return false, nil
	}
	t.Status = model.SubSubmitting
	t.ExternalTaskID = &sentinel
	return true, nil
}

func (f *fakeTaskStore) GetSample(_ context.Context, id uuid.UUID) (*model.Sample, error) {
	if f.sampleErr != nil {
		return nil, f.sampleErr
	}
	s, ok := f.samples[id]
	if !ok {
		return nil, apperr.Ef(apperr.NotFound, "sample %s not found", id)
	}
	return s, nil
}

func (f *fakeTaskStore) MarkSubmitted(_ context.Context, id uuid.UUID, externalID string, instanceID uuid.UUID) (bool, error) {
	f.subTasks[id].Status = model.SubSubmitted
	f.submittedExternal[id] = externalID
	f.submittedInstance[id] = instanceID
	return true, nil
}

func (f *fakeTaskStore) RollbackToPending(_ context.Context, id uuid.UUID, _ string) (bool, error) {
	f.subTasks[id].Status = model.SubPending
	f.rolledBack = append(f.rolledBack, id)
	return true, nil
}

func (f *fakeTaskStore) MarkFailed(_ context.Context, id uuid.UUID, _ string) (bool, error) {
	f.subTasks[id].Status = model.SubFailed
	f.failed = append(f.failed, id)
	return true, nil
}

func (f *fakeTaskStore) MarkPausedByGate(_ context.Context, id uuid.UUID, _ string) (bool, error) {
	f.subTasks[id].Status = model.SubPaused
	f.pausedByGate = append(f.pausedByGate, id)
	return true, nil
}

func (f *fakeTaskStore) Aggregate(context.Context, uuid.UUID) error {
	f.aggregates++
	return nil
}

func (f *fakeTaskStore) ListSubTasksByMaster(context.Context, uuid.UUID) ([]model.SubTask, error) {
	out := make([]model.SubTask, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *f.subTasks[id])
	}
	return out, nil
}

// fileBlobs writes fixed bytes wherever a sample is staged.
type fileBlobs struct {
	data []byte
}

func (f *fileBlobs) DownloadSampleToFile(_ context.Context, _ string, localPath string) error {
	return os.WriteFile(localPath, f.data, 0o644)
}

func newTestSubmitter(t *testing.T, st *fakeTaskStore, submit SubmitFunc, interval time.Duration) *Submitter {
	t.Helper()
	return NewSubmitter(SubmitterParams{
		Tasks:          st,
		Blobs:          &fileBlobs{data: []byte("MZtest")},
		Executor:       backend.NewExecutor(config.RetryConfig{Enabled: false}),
		Submit:         submit,
		Family:         model.FamilySandbox,
		TempDir:        t.TempDir(),
		MaxFileSize:    1 << 20,
		SubmitInterval: interval,
	})
}

func pendingSubTask(st *fakeTaskStore) *model.SubTask {
	task := &model.SubTask{
		ID:             uuid.New(),
		MasterID:       uuid.New(),
		SampleID:       uuid.New(),
		AnalyzerFamily: model.FamilySandbox,
		Status:         model.SubPending,
	}
	st.addSubTask(task)
	st.samples[task.SampleID] = &model.Sample{
		ID:        task.SampleID,
		FileName:  "a.exe",
		FileSize:  int64(len("MZtest")),
		ObjectKey: "samples/a.exe",
	}
	return task
}

func TestSubmitRecordsChosenInstance(t *testing.T) {
	st := newFakeTaskStore()
	task := pendingSubTask(st)
	picked := uuid.New()

	sub := newTestSubmitter(t, st, func(context.Context, *model.SubTask, *model.Sample, string) (string, uuid.UUID, error) {
		return "42", picked, nil
	}, 0)

	require.NoError(t, sub.SubmitSubTask(context.Background(), task.ID))

	assert.Equal(t, "42", st.submittedExternal[task.ID])
	assert.Equal(t, picked, st.submittedInstance[task.ID],
		"the instance that accepted the submission must be persisted with it")
	assert.Equal(t, model.SubSubmitted, st.subTasks[task.ID].Status)
}

func TestSubmitSampleReadErrorStaysRetryable(t *testing.T) {
	st := newFakeTaskStore()
	task := pendingSubTask(st)
	st.sampleErr = apperr.E(apperr.Storage, "connection reset by peer")

	sub := newTestSubmitter(t, st, func(context.Context, *model.SubTask, *model.Sample, string) (string, uuid.UUID, error) {
		t.Fatal("submit must not run without a sample")
		return "", uuid.Nil, nil
	}, 0)

	err := sub.SubmitSubTask(context.Background(), task.ID)
	require.Error(t, err)

	assert.Equal(t, []uuid.UUID{task.ID}, st.rolledBack)
	assert.Empty(t, st.failed, "a database hiccup is not a permanent failure")
	assert.Equal(t, model.SubPending, st.subTasks[task.ID].Status)
}

func TestSubmitMissingSampleFailsPermanently(t *testing.T) {
	st := newFakeTaskStore()
	task := pendingSubTask(st)
	st.sampleErr = apperr.Ef(apperr.NotFound, "sample %s not found", task.SampleID)

	sub := newTestSubmitter(t, st, func(context.Context, *model.SubTask, *model.Sample, string) (string, uuid.UUID, error) {
		return "", uuid.Nil, nil
	}, 0)

	err := sub.SubmitSubTask(context.Background(), task.ID)
	require.Error(t, err)

	assert.Equal(t, []uuid.UUID{task.ID}, st.failed)
	assert.Empty(t, st.rolledBack)
	assert.Equal(t, 1, st.aggregates, "a terminal transition settles the master")
}

func TestExecuteBatchSkipsDelayForNonPendingRows(t *testing.T) {
	st := newFakeTaskStore()
	master := uuid.New()
	for _, status := range []model.SubTaskStatus{
		model.SubSubmitted, model.SubCompleted, model.SubFailed, model.SubAnalyzing, model.SubCancelled,
	} {
		st.addSubTask(&model.SubTask{ID: uuid.New(), MasterID: master, Status: status})
	}

	sub := newTestSubmitter(t, st, func(context.Context, *model.SubTask, *model.Sample, string) (string, uuid.UUID, error) {
		return "1", uuid.New(), nil
	}, 300*time.Millisecond)

	start := time.Now()
	require.NoError(t, sub.ExecuteBatch(context.Background(), master))
	assert.Less(t, time.Since(start), 200*time.Millisecond,
		"rows with nothing to submit must not consume the submit interval")
	assert.Empty(t, st.submittedExternal)
}

func TestExecuteBatchSpacesRealAttempts(t *testing.T) {
	st := newFakeTaskStore()
	first := pendingSubTask(st)
	second := pendingSubTask(st)
	second.MasterID = first.MasterID

	interval := 120 * time.Millisecond
	sub := newTestSubmitter(t, st, func(context.Context, *model.SubTask, *model.Sample, string) (string, uuid.UUID, error) {
		return "1", uuid.New(), nil
	}, interval)

	start := time.Now()
	require.NoError(t, sub.ExecuteBatch(context.Background(), first.MasterID))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, interval, "two attempts are spaced by one interval")
	assert.Less(t, elapsed, 3*interval, "no delay after the final attempt")
	assert.Len(t, st.submittedExternal, 2)
}
