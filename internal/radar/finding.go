package radar

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/llm"
)

const (
	DefaultEngineName = "Claude Web Search"

	rawDescriptionLimit = 500
)

// Finding is the scanner's verdict for one treatment. It is always well
// formed, whatever the oracle returned.
type Finding struct {
	Drug        string                 `json:"drug"`
	FoundUpdate bool                   `json:"found_update"`
	Category    clinical.AlertCategory `json:"category,omitempty"`
	Severity    clinical.Severity      `json:"severity,omitempty"`
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description"`
	Date        string                 `json:"date,omitempty"`
	Source      string                 `json:"source"`
	SourceURL   string                 `json:"source_url"`
	Sources     []clinical.Citation    `json:"sources"`
}

// Alert converts a finding into an alert ready to store.
func (f Finding) Alert() clinical.Alert {
	return clinical.Alert{
		Drug:        f.Drug,
		Category:    f.Category,
		Severity:    f.Severity,
		Title:       f.Title,
		Description: f.Description,
		Source:      f.Source,
		SourceURL:   f.SourceURL,
		Sources:     f.Sources,
		Date:        f.Date,
		IsNew:       true,
	}
}

type rawFinding struct {
	Drug        string          `json:"drug"`
	FoundUpdate json.RawMessage `json:"found_update"`
	Category    string          `json:"category"`
	Severity    string          `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Date        string          `json:"date"`
}

// interpret turns a search result into a finding. Citations come from the
// grounding data and are applied no matter how the text parsed.
func interpret(drug string, res llm.SearchResult, today time.Time, engine string) Finding {
	text := strings.TrimSpace(res.Text)
	cites := res.Citations
	day := today.Format("2006-01-02")

	var f Finding
	switch {
	case text == "" && len(cites) > 0:
		f = Finding{
			Drug:        drug,
			FoundUpdate: true,
			Category:    clinical.CategoryTrialUpdate,
			Severity:    clinical.SeverityMedium,
			Title:       fmt.Sprintf("Recent updates found for %s", drug),
			Description: fmt.Sprintf("Found %d relevant sources with recent information.", len(cites)),
			Date:        day,
		}
	case text == "":
		f = Finding{
			Drug:        drug,
			Title:       "No response from search",
			Description: "No response from search",
		}
	default:
		f = parseFindingText(drug, text, day, len(cites) > 0)
	}
	return withCitations(f, cites, engine)
}

// parseFindingText runs the repair ladder: fenced or embedded object with a
// "drug" key, then the whole text as JSON, then a finding synthesized from
// the raw prose. A synthesized finding only counts as an update when the
// search returned citations to back it.
func parseFindingText(drug, text, day string, grounded bool) Finding {
	clean := llm.StripCodeFences(text)
	var raw rawFinding
	parsed := false
	if obj, ok := llm.ExtractObjectWithKey(clean, "drug"); ok {
		parsed = json.Unmarshal([]byte(obj), &raw) == nil
	}
	if !parsed {
		raw = rawFinding{}
		parsed = llm.DecodeJSON(clean, &raw) == nil
	}
	if !parsed {
		return Finding{
			Drug:        drug,
			FoundUpdate: grounded,
			Category:    clinical.CategoryTrialUpdate,
			Severity:    clinical.SeverityMedium,
			Title:       fmt.Sprintf("Update for %s", drug),
			Description: truncateRunes(clean, rawDescriptionLimit),
			Date:        day,
		}
	}
	return raw.finding(drug, day)
}

func (r rawFinding) finding(drug, day string) Finding {
	f := Finding{
		Drug:        strings.TrimSpace(r.Drug),
		FoundUpdate: parseFlag(r.FoundUpdate),
		Title:       strings.TrimSpace(r.Title),
		Description: strings.TrimSpace(r.Description),
		Date:        strings.TrimSpace(r.Date),
	}
	if f.Drug == "" {
		f.Drug = drug
	}
	f.Category, _ = clinical.ParseAlertCategory(r.Category)
	f.Severity, _ = clinical.ParseSeverity(r.Severity)
	if f.Date == "" {
		f.Date = day
	}
	if f.FoundUpdate && f.Title == "" {
		f.Title = fmt.Sprintf("Update for %s", f.Drug)
	}
	return f
}

func withCitations(f Finding, cites []clinical.Citation, engine string) Finding {
	if len(cites) > 0 {
		f.Sources = cites
		f.Source = cites[0].Title
		f.SourceURL = cites[0].URL
		return f
	}
	f.Source = engine
	f.SourceURL = ""
	f.Sources = []clinical.Citation{}
	return f
}

// parseFlag accepts true, "true" and "yes".
func parseFlag(raw json.RawMessage) bool {
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes":
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
