package extract

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/llm"
)

var defaultPhases = []string{"PHASE2", "PHASE3"}

// SearchKeywords drives the registry query for one profile.
type SearchKeywords struct {
	ConditionKeywords []string `json:"condition_keywords"`
	PhasePreference   []string `json:"phase_preference"`
	LocationFilter    string   `json:"location_filter,omitempty"`
}

// KeywordsFromProfile derives keywords without the oracle.
func KeywordsFromProfile(p clinical.PatientProfile) SearchKeywords {
	kw := SearchKeywords{PhasePreference: append([]string(nil), defaultPhases...)}
	if c := strings.TrimSpace(p.Condition); c != "" && c != clinical.UnknownCondition {
		kw.ConditionKeywords = []string{c}
	}
	if p.Location != nil {
		kw.LocationFilter = p.Location.Country
	}
	return kw
}

// Keywords asks the oracle for registry keywords, falling back to the
// profile's own condition.
func (e *Extractor) Keywords(ctx context.Context, p clinical.PatientProfile) SearchKeywords {
	fallback := KeywordsFromProfile(p)
	profileJSON, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fallback
	}
	raw, err := e.oracle.Generate(ctx, "search_keywords", buildKeywordPrompt(string(profileJSON)))
	if err != nil {
		e.log.Warn().Err(err).Msg("keyword_extraction_failed")
		return fallback
	}
	var kw struct {
		ConditionKeywords []string `json:"condition_keywords"`
		PhasePreference   []string `json:"phase_preference"`
		LocationFilter    *string  `json:"location_filter"`
	}
	if err := llm.DecodeJSON(raw, &kw); err != nil {
		e.log.Warn().Err(err).Msg("keyword_parse_failed")
		return fallback
	}
	out := SearchKeywords{
		ConditionKeywords: compactStrings(kw.ConditionKeywords),
		PhasePreference:   normalizePhases(kw.PhasePreference),
		LocationFilter:    deref(kw.LocationFilter),
	}
	if len(out.ConditionKeywords) == 0 {
		out.ConditionKeywords = fallback.ConditionKeywords
	}
	if len(out.PhasePreference) == 0 {
		out.PhasePreference = fallback.PhasePreference
	}
	if out.LocationFilter == "" {
		out.LocationFilter = fallback.LocationFilter
	}
	return out
}

// normalizePhases maps "Phase 2", "phase2" and "PHASE2" onto the registry
// enum spelling.
func normalizePhases(in []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, p := range in {
		key := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(p), " ", ""))
		if key == "" {
			continue
		}
		if !strings.HasPrefix(key, "PHASE") && !strings.HasPrefix(key, "EARLY") {
			key = "PHASE" + key
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
