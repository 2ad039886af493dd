package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/registry"
)

const (
	DefaultQuery     = "cancer OR oncology OR carcinoma OR tumor"
	DefaultPhaseTerm = "AREA[Phase](PHASE2 OR PHASE3)"
	DefaultMaxTrials = 200
)

// TrialStore is the catalog the ingester writes into.
type TrialStore interface {
	TrialExists(ctx context.Context, nctID string) (bool, error)
	InsertTrialIfAbsent(ctx context.Context, tr clinical.TrialRecord) (bool, error)
}

// LocationFiller geocodes trial sites in place.
type LocationFiller interface {
	FillLocations(ctx context.Context, locs []clinical.Location) (int, error)
}

type Config struct {
	Query     string
	PhaseTerm string
	MaxTrials int
	// Geocoder fills site coordinates before insert. Optional.
	Geocoder LocationFiller
	// SeedOnEmpty loads the built-in sample trials when the registry
	// returns nothing.
	SeedOnEmpty bool
	Logger      zerolog.Logger
}

// Summary reports what one ingestion run did.
type Summary struct {
	Fetched  int  `json:"fetched"`
	Inserted int  `json:"inserted"`
	Skipped  int  `json:"skipped"`
	Failed   int  `json:"failed"`
	Geocoded int  `json:"geocoded"`
	Seeded   bool `json:"seeded"`
}

type Ingester struct {
	searcher registry.StudySearcher
	store    TrialStore
	cfg      Config
	log      zerolog.Logger
}

func New(searcher registry.StudySearcher, store TrialStore, cfg Config) *Ingester {
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	if cfg.PhaseTerm == "" {
		cfg.PhaseTerm = DefaultPhaseTerm
	}
	if cfg.MaxTrials <= 0 {
		cfg.MaxTrials = DefaultMaxTrials
	}
	return &Ingester{searcher: searcher, store: store, cfg: cfg, log: cfg.Logger}
}

// Run fetches recruiting phase 2/3 oncology trials page by page and stores
// the ones not already in the catalog.
func (i *Ingester) Run(ctx context.Context) (Summary, error) {
	started := time.Now()
	trials := i.fetch(ctx)
	if len(trials) == 0 {
		if !i.cfg.SeedOnEmpty {
			i.log.Warn().Msg("ingest_nothing_fetched")
			return Summary{}, nil
		}
		i.log.Warn().Msg("ingest_nothing_fetched_using_seed")
		sum, err := i.Store(ctx, SeedTrials())
		sum.Seeded = true
		return sum, err
	}
	sum, err := i.Store(ctx, trials)
	sum.Fetched = len(trials)
	i.log.Info().
		Int("fetched", sum.Fetched).
		Int("inserted", sum.Inserted).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Int("geocoded", sum.Geocoded).
		Dur("elapsed", time.Since(started)).
		Msg("ingest_completed")
	return sum, err
}

// Seed stores the built-in sample trials.
func (i *Ingester) Seed(ctx context.Context) (Summary, error) {
	sum, err := i.Store(ctx, SeedTrials())
	sum.Seeded = true
	return sum, err
}

func (i *Ingester) fetch(ctx context.Context) []clinical.TrialRecord {
	var out []clinical.TrialRecord
	token := ""
	for len(out) < i.cfg.MaxTrials {
		size := i.cfg.MaxTrials - len(out)
		if size > registry.MaxPageSize {
			size = registry.MaxPageSize
		}
		page, err := i.searcher.SearchStudies(ctx, registry.StudyQuery{
			Condition: i.cfg.Query,
			Term:      i.cfg.PhaseTerm,
			Statuses:  []string{registry.StatusRecruiting},
			PageSize:  size,
			PageToken: token,
		})
		if err != nil {
			i.log.Warn().Err(err).Int("fetched", len(out)).Msg("ingest_fetch_failed")
			break
		}
		out = append(out, page.Trials...)
		if page.NextPageToken == "" || len(page.Trials) == 0 {
			break
		}
		token = page.NextPageToken
	}
	if len(out) > i.cfg.MaxTrials {
		out = out[:i.cfg.MaxTrials]
	}
	return out
}

// Store writes trials that are not yet in the catalog, geocoding their sites
// first as one batch. Existing trials are skipped untouched.
func (i *Ingester) Store(ctx context.Context, trials []clinical.TrialRecord) (Summary, error) {
	var sum Summary
	fresh := make([]clinical.TrialRecord, 0, len(trials))
	seen := map[string]struct{}{}
	for _, tr := range trials {
		if _, dup := seen[tr.NCTID]; dup {
			sum.Skipped++
			continue
		}
		seen[tr.NCTID] = struct{}{}
		exists, err := i.store.TrialExists(ctx, tr.NCTID)
		if err != nil {
			return sum, fmt.Errorf("check %s: %w", tr.NCTID, err)
		}
		if exists {
			i.log.Debug().Str("nct_id", tr.NCTID).Msg("ingest_trial_exists")
			sum.Skipped++
			continue
		}
		fresh = append(fresh, tr)
	}

	if i.cfg.Geocoder != nil && len(fresh) > 0 {
		n, err := i.geocode(ctx, fresh)
		if err != nil {
			return sum, err
		}
		sum.Geocoded = n
	}

	for _, tr := range fresh {
		ok, err := i.store.InsertTrialIfAbsent(ctx, tr)
		if err != nil {
			i.log.Warn().Err(err).Str("nct_id", tr.NCTID).Msg("ingest_insert_failed")
			sum.Failed++
			continue
		}
		if !ok {
			sum.Skipped++
			continue
		}
		sum.Inserted++
	}
	return sum, nil
}

// geocode fills coordinates across all trials in one batch so each distinct
// place is looked up once.
func (i *Ingester) geocode(ctx context.Context, trials []clinical.TrialRecord) (int, error) {
	var flat []clinical.Location
	for _, tr := range trials {
		flat = append(flat, tr.Locations...)
	}
	if len(flat) == 0 {
		return 0, nil
	}
	n, err := i.cfg.Geocoder.FillLocations(ctx, flat)
	if err != nil {
		return 0, fmt.Errorf("geocode locations: %w", err)
	}
	k := 0
	for t := range trials {
		locs := make([]clinical.Location, len(trials[t].Locations))
		copy(locs, flat[k:k+len(locs)])
		trials[t].Locations = locs
		k += len(locs)
	}
	return n, nil
}
