package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// reportTimeLayout is the timestamp format sandbox reports use in info.started/ended.
const reportTimeLayout = "2006-01-02 15:04:05"

// SandboxResult is one analysis outcome for a DynamicSandbox sub-task.
type SandboxResult struct {
	ID         uuid.UUID `db:"id" json:"id"`
	SubTaskID  uuid.UUID `db:"sub_task_id" json:"sub_task_id"`
	SampleID   uuid.UUID `db:"sample_id" json:"sample_id"`
	ExternalID int       `db:"external_task_id" json:"external_task_id"`

	AnalysisStartedAt   *time.Time `db:"analysis_started_at" json:"analysis_started_at,omitempty"`
	AnalysisCompletedAt *time.Time `db:"analysis_completed_at" json:"analysis_completed_at,omitempty"`
	AnalysisDuration    *int       `db:"analysis_duration" json:"analysis_duration,omitempty"`

	Score    *float64 `db:"score" json:"score,omitempty"`
	Severity *string  `db:"severity" json:"severity,omitempty"`
	Verdict  *string  `db:"verdict" json:"verdict,omitempty"`

	Signatures      types.JSONText `db:"signatures" json:"signatures,omitempty"`
	BehaviorSummary types.JSONText `db:"behavior_summary" json:"behavior_summary,omitempty"`
	FullReport      types.JSONText `db:"full_report" json:"full_report,omitempty"`
	ReportSummary   *string        `db:"report_summary" json:"report_summary,omitempty"`

	// Carried from sub_tasks.error_message on detail reads.
	ErrorMessage *string `db:"error_message" json:"error_message,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SeverityForScore maps a 0-10 maliciousness score to a severity band.
func SeverityForScore(score float64) string {
	switch {
	case score >= 8.0:
		return "critical"
	case score >= 6.0:
		return "high"
	case score >= 4.0:
		return "medium"
	default:
		return "low"
	}
}

// VerdictForScore maps a 0-10 maliciousness score to a verdict.
func VerdictForScore(score float64) string {
	switch {
	case score >= 7.0:
		return "malicious"
	case score >= 3.0:
		return "suspicious"
	default:
		return "clean"
	}
}

// NewSandboxResult derives a result row from a sandbox report. The report
// must already be sanitized for storage; this only reads it.
func NewSandboxResult(subTaskID, sampleID uuid.UUID, externalID int, report map[string]interface{}) (*SandboxResult, error) {
	now := time.Now().UTC()
	res := &SandboxResult{
		ID:         uuid.New(),
		SubTaskID:  subTaskID,
		SampleID:   sampleID,
		ExternalID: externalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	info, _ := report["info"].(map[string]interface{})
	if score, ok := toFloat(info["score"]); ok {
		res.Score = &score
		sev := SeverityForScore(score)
		res.Severity = &sev
		ver := VerdictForScore(score)
		res.Verdict = &ver
	}
	if started := parseReportTime(info["started"]); started != nil {
		res.AnalysisStartedAt = started
	}
	if ended := parseReportTime(info["ended"]); ended != nil {
		res.AnalysisCompletedAt = ended
	}
	if dur, ok := toFloat(info["duration"]); ok {
		d := int(dur)
		res.AnalysisDuration = &d
	}

	var sigCount int
	if sigs, ok := report["signatures"]; ok {
		raw, err := json.Marshal(sigs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode signatures: %w", err)
		}
		res.Signatures = types.JSONText(raw)
		if arr, ok := sigs.([]interface{}); ok {
			sigCount = len(arr)
		}
	}
	if behavior, ok := report["behavior"]; ok {
		raw, err := json.Marshal(behavior)
		if err != nil {
			return nil, fmt.Errorf("failed to encode behavior summary: %w", err)
		}
		res.BehaviorSummary = types.JSONText(raw)
	}

	full, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode full report: %w", err)
	}
	res.FullReport = types.JSONText(full)

	summary := buildReportSummary(res.Score, sigCount, report)
	if summary != "" {
		res.ReportSummary = &summary
	}

	return res, nil
}

// buildReportSummary assembles the short human line shown in listings.
func buildReportSummary(score *float64, sigCount int, report map[string]interface{}) string {
	var parts []string
	if score != nil {
		parts = append(parts, fmt.Sprintf("score %.1f/10", *score))
	}
	if sigCount > 0 {
		parts = append(parts, fmt.Sprintf("%d signatures", sigCount))
	}
	if network, ok := report["network"].(map[string]interface{}); ok {
		if domains, ok := network["domains"].([]interface{}); ok && len(domains) > 0 {
			parts = append(parts, fmt.Sprintf("%d domains contacted", len(domains)))
		}
	}
	return strings.Join(parts, ", ")
}

func parseReportTime(v interface{}) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(reportTimeLayout, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ExtractorResult is one analysis outcome for a FeatureExtractor sub-task.
// ResultFiles maps logical artifact names to object-store keys under the
// result bucket; values are rewritten when the fetcher re-homes artifacts.
type ExtractorResult struct {
	ID         uuid.UUID `db:"id" json:"id"`
	SubTaskID  uuid.UUID `db:"sub_task_id" json:"sub_task_id"`
	SampleID   uuid.UUID `db:"sample_id" json:"sample_id"`
	ExternalID string    `db:"external_task_id" json:"external_task_id"`

	Message     *string        `db:"message" json:"message,omitempty"`
	ResultFiles types.JSONText `db:"result_files" json:"result_files,omitempty"`
	FullReport  types.JSONText `db:"full_report" json:"full_report,omitempty"`

	ErrorMessage *string `db:"error_message" json:"error_message,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
