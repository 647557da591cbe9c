package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/model"
)

// fakeLifecycleStore answers the controller with canned outcomes and
// counts the aggregation calls.
type fakeLifecycleStore struct {
	master *model.MasterTask

	startOK, pauseOK, resumeOK, cancelOK bool
	revived                              []uuid.UUID

	aggregates     int
	countRefreshes int
}

func (f *fakeLifecycleStore) GetMaster(context.Context, uuid.UUID) (*model.MasterTask, error) {
	cp := *f.master
	return &cp, nil
}

func (f *fakeLifecycleStore) StartMaster(context.Context, uuid.UUID) (bool, error) {
	return f.startOK, nil
}

func (f *fakeLifecycleStore) PauseMaster(context.Context, uuid.UUID, *string) (bool, error) {
	return f.pauseOK, nil
}

func (f *fakeLifecycleStore) CascadePause(context.Context, uuid.UUID) (int64, error) {
	return 0, nil
}

func (f *fakeLifecycleStore) ResumeMaster(context.Context, uuid.UUID) (bool, error) {
	return f.resumeOK, nil
}

func (f *fakeLifecycleStore) CascadeResume(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return f.revived, nil
}

func (f *fakeLifecycleStore) CancelMaster(context.Context, uuid.UUID) (bool, error) {
	return f.cancelOK, nil
}

func (f *fakeLifecycleStore) CascadeCancel(context.Context, uuid.UUID) (int64, error) {
	return int64(len(f.revived)), nil
}

func (f *fakeLifecycleStore) Aggregate(context.Context, uuid.UUID) error {
	f.aggregates++
	return nil
}

func (f *fakeLifecycleStore) AggregateCounts(context.Context, uuid.UUID) error {
	f.countRefreshes++
	return nil
}

func sandboxMaster(status model.MasterTaskStatus) *model.MasterTask {
	return &model.MasterTask{
		ID:             uuid.New(),
		Name:           "batch",
		AnalyzerFamily: model.FamilySandbox,
		Status:         status,
	}
}

func TestResumeSettlesMasterWithNothingToRevive(t *testing.T) {
	st := &fakeLifecycleStore{master: sandboxMaster(model.MasterPaused), resumeOK: true}
	batchRan := make(chan struct{}, 1)
	c := NewController(st, map[model.AnalyzerFamily]BatchFunc{
		model.FamilySandbox: func(context.Context, uuid.UUID) error {
			batchRan <- struct{}{}
			return nil
		},
	})

	require.NoError(t, c.Resume(context.Background(), st.master.ID))

	// Every sub-task finished while the master was paused: the batch has
	// nothing to do, so the resume itself must recompute the status.
	assert.Equal(t, 1, st.aggregates)
	select {
	case <-batchRan:
		t.Fatal("batch must not run with zero revived sub-tasks")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResumeRestartsSubmission(t *testing.T) {
	st := &fakeLifecycleStore{
		master:   sandboxMaster(model.MasterPaused),
		resumeOK: true,
		revived:  []uuid.UUID{uuid.New()},
	}
	batchRan := make(chan struct{}, 1)
	c := NewController(st, map[model.AnalyzerFamily]BatchFunc{
		model.FamilySandbox: func(context.Context, uuid.UUID) error {
			batchRan <- struct{}{}
			return nil
		},
	})

	require.NoError(t, c.Resume(context.Background(), st.master.ID))
	assert.Equal(t, 1, st.aggregates)
	select {
	case <-batchRan:
	case <-time.After(2 * time.Second):
		t.Fatal("batch was not restarted for the revived sub-tasks")
	}
}

func TestResumeConflict(t *testing.T) {
	st := &fakeLifecycleStore{master: sandboxMaster(model.MasterCompleted), resumeOK: false}
	c := NewController(st, nil)

	err := c.Resume(context.Background(), st.master.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Conflict))
	assert.Zero(t, st.aggregates)
}

func TestPauseConflict(t *testing.T) {
	st := &fakeLifecycleStore{master: sandboxMaster(model.MasterCompleted), pauseOK: false}
	c := NewController(st, nil)

	err := c.Pause(context.Background(), st.master.ID, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Conflict))
}

func TestCancelRefreshesCountersWithoutRecomputingStatus(t *testing.T) {
	st := &fakeLifecycleStore{master: sandboxMaster(model.MasterRunning), cancelOK: true}
	c := NewController(st, nil)

	require.NoError(t, c.Cancel(context.Background(), st.master.ID))
	assert.Equal(t, 1, st.countRefreshes)
	assert.Zero(t, st.aggregates, "cancel must not run the status-recomputing aggregate")
}

func TestExecuteRejectsUnknownFamily(t *testing.T) {
	st := &fakeLifecycleStore{master: sandboxMaster(model.MasterPending), startOK: true}
	c := NewController(st, map[model.AnalyzerFamily]BatchFunc{})

	err := c.Execute(context.Background(), st.master.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Validation))
}

func TestExecuteStartsBatch(t *testing.T) {
	st := &fakeLifecycleStore{master: sandboxMaster(model.MasterPending), startOK: true}
	batchRan := make(chan struct{}, 1)
	c := NewController(st, map[model.AnalyzerFamily]BatchFunc{
		model.FamilySandbox: func(context.Context, uuid.UUID) error {
			batchRan <- struct{}{}
			return nil
		},
	})

	require.NoError(t, c.Execute(context.Background(), st.master.ID))
	select {
	case <-batchRan:
	case <-time.After(2 * time.Second):
		t.Fatal("batch submission did not start")
	}
}
