package radar

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/joelkehle/trialsense/internal/clinical"
)

const (
	NoUpdatesBriefing = "No new updates today."

	briefingOpening = "Good morning, here is your Clinical Radar update."
	briefingClosing = "Staying vigilant for your patients."
)

// TextOracle generates plain text.
type TextOracle interface {
	Generate(ctx context.Context, op, prompt string) (string, error)
}

// Briefer turns new alerts into a short spoken-style morning briefing.
type Briefer struct {
	oracle TextOracle
	log    zerolog.Logger
}

func NewBriefer(oracle TextOracle, logger zerolog.Logger) *Briefer {
	return &Briefer{oracle: oracle, log: logger}
}

// Briefing returns the script for alerts. With no alerts it is the fixed
// no-updates line; on oracle failure it lists the alert titles.
func (b *Briefer) Briefing(ctx context.Context, alerts []clinical.Alert) string {
	if len(alerts) == 0 {
		return NoUpdatesBriefing
	}
	script, err := b.oracle.Generate(ctx, "radar_briefing", buildBriefingPrompt(alerts))
	script = strings.TrimSpace(script)
	if err != nil || script == "" {
		b.log.Warn().Err(err).Int("alerts", len(alerts)).Msg("radar_briefing_fallback")
		return fallbackBriefing(alerts)
	}
	return script
}

type briefingItem struct {
	Drug        string `json:"drug"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`
}

func buildBriefingPrompt(alerts []clinical.Alert) string {
	items := make([]briefingItem, 0, len(alerts))
	for _, a := range alerts {
		items = append(items, briefingItem{
			Drug:        a.Drug,
			Category:    string(a.Category),
			Severity:    string(a.Severity),
			Title:       a.Title,
			Description: a.Description,
			Date:        a.Date,
		})
	}
	blob, _ := json.MarshalIndent(items, "", "  ")
	return fmt.Sprintf(`You are "Clinical Radar". Write a morning briefing script for oncologists based on these new drug alerts found overnight.

ALERTS:
%s

STYLE:
- Professional and concise, like a news bulletin for oncologists.
- Start with %q
- Group the alerts by severity, highest first.
- End with %q
- Keep it under 200 words.

OUTPUT: the plain text of the script only.`, blob, briefingOpening, briefingClosing)
}

func fallbackBriefing(alerts []clinical.Alert) string {
	var sb strings.Builder
	sb.WriteString(briefingOpening)
	if len(alerts) == 1 {
		sb.WriteString(" There is 1 new alert.")
	} else {
		fmt.Fprintf(&sb, " There are %d new alerts.", len(alerts))
	}
	for _, a := range alerts {
		fmt.Fprintf(&sb, " %s: %s (%s severity).", a.Drug, a.Title, a.Severity)
	}
	sb.WriteString(" ")
	sb.WriteString(briefingClosing)
	return sb.String()
}
