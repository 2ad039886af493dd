package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joelkehle/trialsense/internal/clinical"
)

const Disclaimer = "_Decision support only. Eligibility must be confirmed by the trial site against the full protocol._"

// MatchReport renders a patient summary followed by one section per match in
// the order given.
func MatchReport(patientName string, profile clinical.PatientProfile, matches []clinical.TrialMatch, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Clinical Trial Match Report\n\n")
	if patientName != "" {
		fmt.Fprintf(&b, "- Patient: %s\n", patientName)
	}
	fmt.Fprintf(&b, "- Condition: %s\n", orDash(profile.Condition))
	fmt.Fprintf(&b, "- Date: %s\n\n", at.Format("January 2, 2006"))
	fmt.Fprintf(&b, "%s\n\n", Disclaimer)

	fmt.Fprintf(&b, "## Patient Profile\n\n")
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "| %s | %s |\n", k, cell(v))
		}
	}
	row("Condition", profile.Condition)
	row("Histology", deref(profile.Histology))
	row("Stage", deref(profile.Stage))
	row("Line of therapy", deref(profile.LineOfTherapy))
	if profile.Age != nil {
		row("Age", fmt.Sprintf("%d", *profile.Age))
	}
	row("Sex", deref(profile.Sex))
	if profile.ECOG != nil {
		row("ECOG", profile.ECOG.String())
	}
	row("Prior treatments", strings.Join(profile.PriorTreatments, ", "))
	row("Current treatments", strings.Join(profile.CurrentTreatments, ", "))
	row("Biomarkers", formatBiomarkers(profile.Biomarkers))
	row("Metastatic sites", strings.Join(profile.MetastaticSites, ", "))
	if profile.Location != nil {
		row("Location", strings.Trim(profile.Location.City+", "+profile.Location.Country, ", "))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Matches\n\n")
	if len(matches) == 0 {
		fmt.Fprintf(&b, "No matching trials were found.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "| # | Trial | Phase | Fit | Nearest site |\n|---|---|---|---|---|\n")
	for i, m := range matches {
		fmt.Fprintf(&b, "| %d | %s | %s | %d (%s) | %s |\n", i+1, m.NCTID, m.Phase, m.FitScore, m.FitCategory, cell(siteLabel(m)))
	}
	b.WriteString("\n")

	for i, m := range matches {
		fmt.Fprintf(&b, "### %d. %s\n\n", i+1, m.Title)
		fmt.Fprintf(&b, "- NCT ID: `%s`\n", m.NCTID)
		fmt.Fprintf(&b, "- Phase: %s\n", m.Phase)
		fmt.Fprintf(&b, "- Status: %s\n", m.Status)
		if m.Sponsor != "" {
			fmt.Fprintf(&b, "- Sponsor: %s\n", m.Sponsor)
		}
		fmt.Fprintf(&b, "- Fit: **%d** (%s)\n", m.FitScore, m.FitCategory)
		if site := siteLabel(m); site != "" {
			fmt.Fprintf(&b, "- Nearest site: %s\n", site)
		}
		b.WriteString("\n")
		if m.Explanation != "" {
			fmt.Fprintf(&b, "%s\n\n", m.Explanation)
		}
		appendList(&b, "Criteria met", m.CriteriaMet)
		appendList(&b, "Criteria not met", m.CriteriaNotMet)
		appendList(&b, "Missing information", m.MissingInfo)
	}
	return b.String()
}

// AlertsReport renders the briefing script followed by the alert list.
func AlertsReport(briefing string, alerts []clinical.Alert, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Clinical Radar\n\n")
	fmt.Fprintf(&b, "- Date: %s\n\n", at.Format("January 2, 2006"))
	if strings.TrimSpace(briefing) != "" {
		fmt.Fprintf(&b, "## Briefing\n\n%s\n\n", strings.TrimSpace(briefing))
	}
	fmt.Fprintf(&b, "## Alerts\n\n")
	if len(alerts) == 0 {
		fmt.Fprintf(&b, "No alerts.\n")
		return b.String()
	}
	for _, a := range alerts {
		marker := ""
		if a.IsNew {
			marker = " (new)"
		}
		fmt.Fprintf(&b, "### %s: %s%s\n\n", a.Drug, a.Title, marker)
		fmt.Fprintf(&b, "- Category: %s\n", a.Category)
		fmt.Fprintf(&b, "- Severity: %s\n", a.Severity)
		fmt.Fprintf(&b, "- Date: %s\n", a.Date)
		if a.SourceURL != "" {
			fmt.Fprintf(&b, "- Source: [%s](%s)\n", a.Source, a.SourceURL)
		} else {
			fmt.Fprintf(&b, "- Source: %s\n", a.Source)
		}
		b.WriteString("\n")
		if a.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", a.Description)
		}
		if len(a.Sources) > 0 {
			fmt.Fprintf(&b, "Sources:\n\n")
			for _, c := range a.Sources {
				fmt.Fprintf(&b, "- [%s](%s)\n", orDash(c.Title), c.URL)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func appendList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "**%s**\n\n", heading)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

func siteLabel(m clinical.TrialMatch) string {
	if m.NearestLocation == nil {
		return ""
	}
	parts := []string{}
	for _, p := range []string{m.NearestLocation.Facility, m.NearestLocation.City, m.NearestLocation.Country} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	label := strings.Join(parts, ", ")
	if m.DistanceKM != nil {
		label += fmt.Sprintf(" (%.1f km)", *m.DistanceKM)
	}
	return label
}

func formatBiomarkers(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+m[k])
	}
	return strings.Join(parts, "; ")
}

func cell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
