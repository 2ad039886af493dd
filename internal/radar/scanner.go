package radar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/llm"
	"github.com/joelkehle/trialsense/internal/metrics"
)

// SearchOracle runs a web-grounded oracle search.
type SearchOracle interface {
	Search(ctx context.Context, op, prompt string) (llm.SearchResult, error)
}

type ScannerConfig struct {
	// EngineName is recorded as the source of findings without citations.
	EngineName  string
	Concurrency int
	Clock       func() time.Time
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

type Scanner struct {
	oracle SearchOracle
	cfg    ScannerConfig
	log    zerolog.Logger
}

func NewScanner(oracle SearchOracle, cfg ScannerConfig) *Scanner {
	if cfg.EngineName == "" {
		cfg.EngineName = DefaultEngineName
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scanner{oracle: oracle, cfg: cfg, log: cfg.Logger}
}

// ScanTreatment searches for recent news on one treatment. It never fails:
// oracle errors become a finding with found_update false.
func (s *Scanner) ScanTreatment(ctx context.Context, treatment string) Finding {
	treatment = strings.TrimSpace(treatment)
	today := s.cfg.Clock()
	res, err := s.oracle.Search(ctx, "radar_scan", buildScanPrompt(treatment, today))
	if err != nil {
		s.log.Warn().Err(err).Str("drug", treatment).Msg("radar_scan_failed")
		s.cfg.Metrics.RadarScan("error")
		msg := fmt.Sprintf("Search error: %v", err)
		return Finding{
			Drug:        treatment,
			Title:       msg,
			Description: msg,
			Source:      s.cfg.EngineName,
			Sources:     []clinical.Citation{},
		}
	}

	f := interpret(treatment, res, today, s.cfg.EngineName)
	outcome := "no_update"
	if f.FoundUpdate {
		outcome = "update"
	}
	s.cfg.Metrics.RadarScan(outcome)
	s.log.Info().
		Str("drug", treatment).
		Bool("found_update", f.FoundUpdate).
		Int("citations", len(res.Citations)).
		Int("response_chars", len(res.Text)).
		Msg("radar_scan_completed")
	return f
}

// Scan returns the treatment's finding as an alert, or false when there is
// nothing new.
func (s *Scanner) Scan(ctx context.Context, treatment string) (*clinical.Alert, bool) {
	f := s.ScanTreatment(ctx, treatment)
	if !f.FoundUpdate {
		return nil, false
	}
	a := f.Alert()
	return &a, true
}

// ScanAll scans treatments concurrently and returns the alerts in treatment
// order.
func (s *Scanner) ScanAll(ctx context.Context, treatments []string) []clinical.Alert {
	found := make([]*clinical.Alert, len(treatments))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(s.cfg.Concurrency)
	for i, t := range treatments {
		grp.Go(func() error {
			if a, ok := s.Scan(gctx, t); ok {
				found[i] = a
			}
			return nil
		})
	}
	_ = grp.Wait()

	out := make([]clinical.Alert, 0, len(treatments))
	for _, a := range found {
		if a != nil {
			out = append(out, *a)
		}
	}
	return out
}

func buildScanPrompt(treatment string, today time.Time) string {
	return fmt.Sprintf(`Search for the latest clinical and safety updates for the oncology drug/treatment: %q.

Find REAL, CURRENT information about:
1. Recent FDA safety alerts, black box warnings, or adverse event reports
2. New regulatory approvals or label changes
3. Recent clinical trial results or readouts
4. Competitor drug developments in the same therapeutic area

Provide factual information with specific dates and sources. Focus on updates from the last week. Today's date is %s.

After searching, summarize the most important finding as a single JSON object:
{
  "drug": %q,
  "found_update": true,
  "category": "ADVERSE_EVENT|REGULATORY|COMPETITOR|TRIAL_UPDATE",
  "severity": "high|medium|low",
  "title": "Short headline of the finding",
  "description": "2-3 sentence summary with specific details from the search",
  "date": "YYYY-MM-DD date of the update"
}

If no significant recent updates are found, set found_update to false.`, treatment, today.Format("2006-01-02"), treatment)
}

// UniqueTreatments trims, drops "none" and names of two characters or fewer,
// and removes duplicates while keeping first-seen order. Matching is case
// sensitive after trimming.
func UniqueTreatments(all []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, t := range all {
		t = strings.TrimSpace(t)
		if len(t) <= 2 || strings.EqualFold(t, "none") {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
