package eligibility

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/joelkehle/trialsense/internal/clinical"
)

const scoringRules = `INSTRUCTIONS:
1. Check each INCLUSION criterion against the patient profile.
2. Check each EXCLUSION criterion against the patient profile.
3. List the information needed to decide that the profile does not contain.
4. Assign an integer fit_score from 0 to 100 and the matching fit_category:
   - 80-100: "strong" (meets all key criteria)
   - 50-79: "moderate" (meets most criteria, some information missing)
   - 20-49: "weak" (significant concerns or missing information)
   - 0-19: "ineligible" (clearly fails one or more criteria)
Absent profile fields mean "not stated", never "negative". Do not invent patient facts.`

const evaluationSchema = `{
  "fit_score": 0,
  "fit_category": "strong|moderate|weak|ineligible",
  "criteria_met": [],
  "criteria_not_met": [],
  "missing_info": [],
  "explanation": "2-3 sentences for the treating oncologist"
}`

func profileJSON(p clinical.PatientProfile) string {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"condition\": %q}", p.Condition)
	}
	return string(b)
}

func buildSinglePrompt(p clinical.PatientProfile, tr clinical.TrialRecord, criteriaLimit int) string {
	return fmt.Sprintf(`You are a clinical trial eligibility screener for oncology.

PATIENT PROFILE:
%s

TRIAL: %s
PHASE: %s

ELIGIBILITY CRITERIA:
%s

%s

OUTPUT FORMAT (JSON only, no explanation):
%s`, profileJSON(p), tr.Title, tr.Phase, clip(tr.EligibilityCriteria, criteriaLimit), scoringRules, evaluationSchema)
}

func buildBatchPrompt(p clinical.PatientProfile, trials []clinical.TrialRecord, criteriaLimit int) string {
	var sb strings.Builder
	for i, tr := range trials {
		fmt.Fprintf(&sb, "--- TRIAL %d ---\nNCT ID: %s\nTITLE: %s\nPHASE: %s\nELIGIBILITY CRITERIA:\n%s\n\n",
			i+1, tr.NCTID, tr.Title, tr.Phase, clip(tr.EligibilityCriteria, criteriaLimit))
	}
	return fmt.Sprintf(`You are a clinical trial eligibility screener for oncology. Evaluate the patient against each of the %d trials below.

PATIENT PROFILE:
%s

%s
%s

Return a JSON array with exactly %d objects, one per trial, in the same order as the trials above. Each object has this shape:
{
  "nct_id": "",
  "fit_score": 0,
  "fit_category": "strong|moderate|weak|ineligible",
  "criteria_met": [],
  "criteria_not_met": [],
  "missing_info": [],
  "explanation": ""
}

OUTPUT FORMAT: JSON array only, no explanation.`, len(trials), profileJSON(p), sb.String(), scoringRules, len(trials))
}

// clip truncates s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
