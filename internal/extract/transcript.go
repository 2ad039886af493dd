package extract

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/llm"
)

// TranscriptAnalysis is the listener-mode verdict on a consultation
// transcript.
type TranscriptAnalysis struct {
	ShouldTrigger bool                    `json:"should_trigger"`
	Confidence    string                  `json:"confidence"`
	TriggerReason string                  `json:"trigger_reason,omitempty"`
	Profile       clinical.PatientProfile `json:"accumulated_patient_info"`
}

// Ready reports whether the analysis has enough to run matching.
func (a TranscriptAnalysis) Ready() bool {
	return a.ShouldTrigger && a.Profile.Condition != clinical.UnknownCondition
}

// AnalyzeTranscript decides whether trial information should be surfaced
// and carries the patient facts mentioned so far. accumulated may be nil.
func (e *Extractor) AnalyzeTranscript(ctx context.Context, transcript string, accumulated *clinical.PatientProfile) TranscriptAnalysis {
	fallback := TranscriptAnalysis{Confidence: "low", Profile: Fallback()}
	if accumulated != nil {
		fallback.Profile = *accumulated
	}
	if strings.TrimSpace(transcript) == "" {
		return fallback
	}
	contextJSON := "{}"
	if accumulated != nil {
		if b, err := json.MarshalIndent(accumulated, "", "  "); err == nil {
			contextJSON = string(b)
		}
	}
	raw, err := e.oracle.Generate(ctx, "analyze_transcript", buildTranscriptPrompt(transcript, contextJSON))
	if err != nil {
		e.log.Warn().Err(err).Msg("transcript_analysis_failed")
		return fallback
	}
	var parsed struct {
		ShouldTrigger bool            `json:"should_trigger"`
		Confidence    string          `json:"confidence"`
		TriggerReason *string         `json:"trigger_reason"`
		Info          json.RawMessage `json:"accumulated_patient_info"`
	}
	if err := llm.DecodeJSON(raw, &parsed); err != nil {
		e.log.Warn().Err(err).Msg("transcript_parse_failed")
		return fallback
	}
	out := TranscriptAnalysis{
		ShouldTrigger: parsed.ShouldTrigger,
		Confidence:    normalizeConfidence(parsed.Confidence),
		TriggerReason: deref(parsed.TriggerReason),
		Profile:       fallback.Profile,
	}
	if len(parsed.Info) > 0 && string(parsed.Info) != "null" {
		if p := e.FromJSON(string(parsed.Info)); p.Condition != clinical.UnknownCondition || accumulated == nil {
			out.Profile = p
		}
	}
	return out
}

func normalizeConfidence(s string) string {
	switch c := strings.ToLower(strings.TrimSpace(s)); c {
	case "high", "medium", "low":
		return c
	default:
		return "low"
	}
}
