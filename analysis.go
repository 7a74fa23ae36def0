package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PipelineAnalysis is the combined volume+quality judgment produced once per
// daily check.
type PipelineAnalysis struct {
	OverallStatus      string   `json:"overall_status"`
	Confidence         float64  `json:"confidence"`
	Summary            string   `json:"summary"`
	CauseAnalysis      string   `json:"cause_analysis"`
	BusinessImpact     string   `json:"business_impact"`
	RecommendedActions []string `json:"recommended_actions"`
}

func pipelineAnalysisSystemPrompt() string {
	return `You are a data-pipeline quality expert. Combine the volume and quality findings.

## Decision rules (follow them exactly)
- Volume verdict "normal" and zero quality anomalies -> the status MUST be "normal"
- Volume verdict "warning" OR at least one quality anomaly -> "warning"
- Volume verdict "critical" combined with quality anomalies -> "critical"

When everything is normal, report "current state healthy". Never emit WARNING for a normal state.

JSON only: {"overall_status":"critical/warning/normal","confidence":0.0-1.0,"summary":"one line","cause_analysis":"current-state analysis","business_impact":"impact","recommended_actions":["1","2","3"]}`
}

// AnalyzePipeline asks the oracle for the combined daily verdict. Parse
// failures degrade to a deterministic verdict derived from the detector
// severities, so the daily check always renders something.
func AnalyzePipeline(ctx context.Context, llm LLM, vol VolumeVerdict, qual QualityVerdict, today time.Time) (PipelineAnalysis, error) {
	changes, _ := json.Marshal(qual.Changes)
	anomalies, _ := json.Marshal(qual.Anomalies)
	amounts, _ := json.Marshal(qual.AmountStats)

	userMsg := fmt.Sprintf(`Volume: %d rows (mean %.0f, Z=%.2f, %+.1f%%)
Volume verdict: %s (below |Z|=2 is normal)
NULL changes: %s
Quality anomaly count: %d
Quality anomalies: %s
Amounts: %s
Today: %s (%s). JSON only.`,
		vol.TodayRows, vol.Mean, vol.ZScore, vol.ChangePct, vol.Severity,
		changes, len(qual.Anomalies), anomalies, amounts,
		today.Format("2006-01-02"), dayName(today),
	)

	text, err := llm.Complete(ctx, pipelineAnalysisSystemPrompt(), []ChatMessage{{Role: "user", Content: userMsg}})
	if err != nil {
		return fallbackPipelineAnalysis(vol, qual), err
	}

	block, ok := extractJSONBlock(text)
	if !ok {
		return fallbackPipelineAnalysis(vol, qual), &OracleParseError{What: "pipeline analysis", Raw: text, Err: fmt.Errorf("no JSON object found")}
	}
	var out PipelineAnalysis
	if err := json.Unmarshal([]byte(block), &out); err != nil {
		return fallbackPipelineAnalysis(vol, qual), &OracleParseError{What: "pipeline analysis", Raw: text, Err: err}
	}
	if out.OverallStatus == "" {
		out.OverallStatus = combinedStatus(vol, qual)
	}
	return out, nil
}

// fallbackPipelineAnalysis applies the same decision rules the prompt states,
// without any model involvement.
func fallbackPipelineAnalysis(vol VolumeVerdict, qual QualityVerdict) PipelineAnalysis {
	status := combinedStatus(vol, qual)
	summary := "Current state healthy."
	if status != SeverityNormal {
		summary = fmt.Sprintf("Detected %d quality anomalies; volume verdict %s.", len(qual.Anomalies), vol.Severity)
	}
	return PipelineAnalysis{
		OverallStatus: status,
		Confidence:    0.5,
		Summary:       summary,
		CauseAnalysis: "AI analysis unavailable; status derived from detector verdicts only.",
	}
}

func combinedStatus(vol VolumeVerdict, qual QualityVerdict) string {
	switch {
	case vol.Severity == SeverityCritical && qual.IsAnomaly:
		return SeverityCritical
	case vol.Severity == SeverityWarning || vol.Severity == SeverityCritical || qual.IsAnomaly:
		return SeverityWarning
	default:
		return SeverityNormal
	}
}
