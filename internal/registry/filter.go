package registry

import (
	"strings"

	"github.com/joelkehle/trialsense/internal/clinical"
)

// conditionKeywords maps a shorthand found in a patient's condition onto the
// terms that identify matching trials.
var conditionKeywords = []struct {
	match []string
	terms []string
}{
	{match: []string{"tnbc", "triple-negative", "triple negative"}, terms: []string{"triple-negative", "triple negative", "tnbc"}},
	{match: []string{"nsclc", "non-small cell", "non small cell"}, terms: []string{"non-small cell", "nsclc", "lung"}},
	{match: []string{"breast"}, terms: []string{"breast"}},
	{match: []string{"lung"}, terms: []string{"lung", "nsclc"}},
	{match: []string{"colorectal", "colon", "rectal", "crc"}, terms: []string{"colorectal", "colon", "rectal"}},
}

// FilterByCondition keeps trials whose title or conditions mention the
// patient's disease. When the condition has no known keyword, or nothing
// matches, every trial is returned unchanged.
func FilterByCondition(trials []clinical.TrialRecord, condition string) []clinical.TrialRecord {
	cond := strings.ToLower(condition)
	var terms []string
	for _, ck := range conditionKeywords {
		for _, m := range ck.match {
			if strings.Contains(cond, m) {
				terms = append(terms, ck.terms...)
				break
			}
		}
	}
	if len(terms) == 0 {
		return trials
	}
	out := make([]clinical.TrialRecord, 0, len(trials))
	for _, tr := range trials {
		hay := strings.ToLower(tr.Title + " " + strings.Join(tr.Conditions, " "))
		for _, term := range terms {
			if strings.Contains(hay, term) {
				out = append(out, tr)
				break
			}
		}
	}
	if len(out) == 0 {
		return trials
	}
	return out
}

// FilterByPhase keeps trials whose phase label names one of the preferred
// phases. An empty preference or an empty result returns the input.
func FilterByPhase(trials []clinical.TrialRecord, phases []string) []clinical.TrialRecord {
	if len(phases) == 0 {
		return trials
	}
	out := make([]clinical.TrialRecord, 0, len(trials))
	for _, tr := range trials {
		label := strings.ToUpper(strings.ReplaceAll(tr.Phase, " ", ""))
		for _, p := range phases {
			if strings.Contains(label, strings.ToUpper(p)) {
				out = append(out, tr)
				break
			}
		}
	}
	if len(out) == 0 {
		return trials
	}
	return out
}
