package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityForScore(t *testing.T) {
	assert.Equal(t, "critical", SeverityForScore(8.0))
	assert.Equal(t, "critical", SeverityForScore(10.0))
	assert.Equal(t, "high", SeverityForScore(7.9))
	assert.Equal(t, "high", SeverityForScore(6.0))
	assert.Equal(t, "medium", SeverityForScore(5.9))
	assert.Equal(t, "medium", SeverityForScore(4.0))
	assert.Equal(t, "low", SeverityForScore(3.9))
	assert.Equal(t, "low", SeverityForScore(0))
}

func TestVerdictForScore(t *testing.T) {
	assert.Equal(t, "malicious", VerdictForScore(7.0))
	assert.Equal(t, "malicious", VerdictForScore(9.5))
	assert.Equal(t, "suspicious", VerdictForScore(6.9))
	assert.Equal(t, "suspicious", VerdictForScore(3.0))
	assert.Equal(t, "clean", VerdictForScore(2.9))
	assert.Equal(t, "clean", VerdictForScore(0))
}

func TestNewSandboxResult(t *testing.T) {
	subTaskID := uuid.New()
	sampleID := uuid.New()
	report := map[string]interface{}{
		"info": map[string]interface{}{
			"score":    7.5,
			"started":  "2025-03-01 10:00:00",
			"ended":    "2025-03-01 10:05:30",
			"duration": float64(330),
		},
		"signatures": []interface{}{
			map[string]interface{}{"name": "persistence_autorun"},
			map[string]interface{}{"name": "network_c2"},
		},
		"behavior": map[string]interface{}{"processes": []interface{}{}},
		"network": map[string]interface{}{
			"domains": []interface{}{"evil.example", "c2.example"},
		},
	}

	res, err := NewSandboxResult(subTaskID, sampleID, 42, report)
	require.NoError(t, err)

	assert.Equal(t, subTaskID, res.SubTaskID)
	assert.Equal(t, sampleID, res.SampleID)
	assert.Equal(t, 42, res.ExternalID)

	require.NotNil(t, res.Score)
	assert.InDelta(t, 7.5, *res.Score, 0.001)
	require.NotNil(t, res.Severity)
	assert.Equal(t, "high", *res.Severity)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, "malicious", *res.Verdict)

	require.NotNil(t, res.AnalysisStartedAt)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), *res.AnalysisStartedAt)
	require.NotNil(t, res.AnalysisDuration)
	assert.Equal(t, 330, *res.AnalysisDuration)

	require.NotNil(t, res.ReportSummary)
	assert.Equal(t, "score 7.5/10, 2 signatures, 2 domains contacted", *res.ReportSummary)
	assert.NotEmpty(t, res.Signatures)
	assert.NotEmpty(t, res.FullReport)
}

func TestNewSandboxResult_MissingInfo(t *testing.T) {
	res, err := NewSandboxResult(uuid.New(), uuid.New(), 7, map[string]interface{}{})
	require.NoError(t, err)

	assert.Nil(t, res.Score)
	assert.Nil(t, res.Severity)
	assert.Nil(t, res.Verdict)
	assert.Nil(t, res.AnalysisStartedAt)
	assert.Nil(t, res.ReportSummary)
	assert.Equal(t, "{}", string(res.FullReport))
}

func TestNewSandboxResult_IntegerScore(t *testing.T) {
	report := map[string]interface{}{
		"info": map[string]interface{}{"score": 3},
	}
	res, err := NewSandboxResult(uuid.New(), uuid.New(), 1, report)
	require.NoError(t, err)
	require.NotNil(t, res.Score)
	assert.InDelta(t, 3.0, *res.Score, 0.001)
	assert.Equal(t, "suspicious", *res.Verdict)
	assert.Equal(t, "low", *res.Severity)
}

func TestParseReportTime_Invalid(t *testing.T) {
	assert.Nil(t, parseReportTime("not a time"))
	assert.Nil(t, parseReportTime(nil))
	assert.Nil(t, parseReportTime(""))
	assert.Nil(t, parseReportTime(12345))
}
