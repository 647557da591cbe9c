package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMasterTaskStatusRunnable(t *testing.T) {
	assert.True(t, MasterPending.Runnable())
	assert.True(t, MasterRunning.Runnable())
	assert.False(t, MasterPaused.Runnable())
	assert.False(t, MasterCompleted.Runnable())
	assert.False(t, MasterFailed.Runnable())
	assert.False(t, MasterCancelled.Runnable())
}

func TestSubTaskStatusTerminal(t *testing.T) {
	for _, st := range []SubTaskStatus{SubCompleted, SubFailed, SubCancelled} {
		assert.True(t, st.Terminal(), string(st))
	}
	for _, st := range []SubTaskStatus{SubPending, SubSubmitting, SubSubmitted, SubAnalyzing, SubPaused} {
		assert.False(t, st.Terminal(), string(st))
	}
}

func TestHasRealExternalID(t *testing.T) {
	str := func(s string) *string { return &s }

	assert.False(t, (&SubTask{}).HasRealExternalID())
	assert.False(t, (&SubTask{ExternalTaskID: str("")}).HasRealExternalID())
	assert.False(t, (&SubTask{ExternalTaskID: str("-4711")}).HasRealExternalID())
	assert.True(t, (&SubTask{ExternalTaskID: str("42")}).HasRealExternalID())
	assert.True(t, (&SubTask{ExternalTaskID: str("a3f5c9")}).HasRealExternalID())
}

func TestInstanceAvailable(t *testing.T) {
	inst := &Instance{Enabled: true, Status: InstanceHealthy}
	assert.True(t, inst.Available())

	inst.Status = InstanceUnknown
	assert.True(t, inst.Available(), "unknown instances are provisionally usable")

	inst.Status = InstanceUnhealthy
	assert.False(t, inst.Available())

	inst.Status = InstanceHealthy
	inst.Enabled = false
	assert.False(t, inst.Available())
}

func TestAnalyzerFamilyValid(t *testing.T) {
	assert.True(t, FamilySandbox.Valid())
	assert.True(t, FamilyExtractor.Valid())
	assert.False(t, AnalyzerFamily("static_scanner").Valid())
	assert.False(t, AnalyzerFamily("").Valid())
}
