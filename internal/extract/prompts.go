package extract

import (
	"fmt"
	"strings"
)

const extractionRules = `RULES:
- Expand medical abbreviations to their full names:
  - TNBC = triple-negative breast cancer
  - NSCLC = non-small cell lung cancer
  - SCLC = small cell lung cancer
  - CRC = colorectal cancer
  - HCC = hepatocellular carcinoma
  - osi / Tagrisso = osimertinib
  - pembro / Keytruda = pembrolizumab
  - T-DXd / Enhertu = trastuzumab deruxtecan
  - AC-T = doxorubicin + cyclophosphamide followed by a taxane
  - ECOG / PS = performance status
- Infer line of therapy from the number of prior treatments: 0 prior = "1L", 1 prior = "2L", 2 or more prior = "3L+".
- Handle negations explicitly: "no brain mets" means cns_involvement: false. Absence of a mention is null, not false.
- "Good PS" or "up and about" means ecog 0 or 1.
- If information is not mentioned, set it to null. Do not guess.`

const profileSchema = `{
  "condition": "",
  "condition_normalized": null,
  "histology": null,
  "stage": null,
  "line_of_therapy": null,
  "prior_treatments": [],
  "current_treatments": [],
  "biomarkers": {},
  "ecog": null,
  "age": null,
  "sex": null,
  "cns_involvement": null,
  "metastatic_sites": [],
  "comorbidities": [],
  "organ_function": null,
  "location": {"city": null, "state": null, "country": null}
}`

func buildTextPrompt(text string) string {
	return fmt.Sprintf(`You are a clinical data extraction system for oncology. Extract a structured patient profile from the oncologist's description.

%s

DESCRIPTION:
%s

OUTPUT FORMAT (JSON only, no explanation):
%s`, extractionRules, strings.TrimSpace(text), profileSchema)
}

func buildImagePrompt() string {
	return fmt.Sprintf(`You are a clinical data extraction system for oncology. Extract a structured patient profile from the attached medical document image (clinic note, pathology or imaging report).

%s

OUTPUT FORMAT (JSON only, no explanation):
%s`, extractionRules, profileSchema)
}

func buildKeywordPrompt(profileJSON string) string {
	return fmt.Sprintf(`You build search keywords for the ClinicalTrials.gov registry from an oncology patient profile.

PATIENT PROFILE:
%s

Return 1-3 condition keywords a registry search understands (plain disease names, no abbreviations), the trial phases worth considering, and the patient's country if known.

OUTPUT FORMAT (JSON only):
{
  "condition_keywords": [],
  "phase_preference": ["PHASE2", "PHASE3"],
  "location_filter": null
}`, profileJSON)
}

func buildTranscriptPrompt(transcript, contextJSON string) string {
	return fmt.Sprintf(`You are monitoring an oncology consultation transcript. Decide whether the conversation has reached a point where clinical trial options would help.

HIGH CONFIDENCE TRIGGERS:
- "we've exhausted options"
- "nothing else is approved"
- "have you considered a clinical trial"
- "failed all standard treatments"
- "what about experimental treatments"

MEDIUM CONFIDENCE PATTERNS:
- several treatment failures followed by the patient asking what comes next
- the clinician is unsure about next steps
- prognosis discussed without remaining treatment options

DO NOT TRIGGER ON routine follow-up, treatment going well, history taking, or first-line planning.

%s

TRANSCRIPT SO FAR:
%s

PATIENT INFORMATION GATHERED EARLIER:
%s

OUTPUT FORMAT (JSON only):
{
  "should_trigger": false,
  "confidence": "high|medium|low",
  "trigger_reason": null,
  "accumulated_patient_info": %s
}`, extractionRules, strings.TrimSpace(transcript), contextJSON, profileSchema)
}
