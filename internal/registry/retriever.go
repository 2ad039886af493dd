package registry

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/extract"
	"github.com/joelkehle/trialsense/internal/metrics"
)

// StudySearcher is the registry as the retriever sees it.
type StudySearcher interface {
	SearchStudies(ctx context.Context, q StudyQuery) (StudyPage, error)
}

// KeywordSource derives registry keywords for a profile.
type KeywordSource interface {
	Keywords(ctx context.Context, p clinical.PatientProfile) extract.SearchKeywords
}

// TrialWriter persists retrieved trials. Optional.
type TrialWriter interface {
	UpsertTrial(ctx context.Context, trial clinical.TrialRecord) error
}

type RetrieverConfig struct {
	// PageCeiling bounds max_results on request-time searches.
	PageCeiling int
	Keywords    KeywordSource
	Cache       TrialCache
	Writer      TrialWriter
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Retriever fetches live candidate trials for a patient.
type Retriever struct {
	searcher StudySearcher
	cfg      RetrieverConfig
	log      zerolog.Logger
}

func NewRetriever(searcher StudySearcher, cfg RetrieverConfig) *Retriever {
	if cfg.PageCeiling <= 0 || cfg.PageCeiling > MaxPageSize {
		cfg.PageCeiling = DefaultPageCeiling
	}
	return &Retriever{searcher: searcher, cfg: cfg, log: cfg.Logger}
}

// Retrieve returns up to maxResults recruiting trials for the profile. Any
// registry failure yields an empty list.
func (r *Retriever) Retrieve(ctx context.Context, profile clinical.PatientProfile, maxResults int) []clinical.TrialRecord {
	if c := strings.TrimSpace(profile.Condition); c == "" || c == clinical.UnknownCondition {
		r.log.Info().Str("condition", profile.Condition).Msg("registry_search_skipped_unknown_condition")
		return []clinical.TrialRecord{}
	}
	kw := extract.KeywordsFromProfile(profile)
	if r.cfg.Keywords != nil {
		kw = r.cfg.Keywords.Keywords(ctx, profile)
	}
	if len(kw.ConditionKeywords) == 0 {
		r.log.Info().Str("condition", profile.Condition).Msg("registry_search_skipped_no_keywords")
		return []clinical.TrialRecord{}
	}
	return r.RetrieveCondition(ctx, strings.Join(kw.ConditionKeywords, " OR "), kw.PhasePreference, maxResults)
}

// RetrieveCondition searches by an explicit condition string.
func (r *Retriever) RetrieveCondition(ctx context.Context, condition string, phases []string, maxResults int) []clinical.TrialRecord {
	pageSize := clampPageSize(maxResults, r.cfg.PageCeiling)
	page, err := r.searcher.SearchStudies(ctx, StudyQuery{
		Condition: condition,
		Statuses:  []string{StatusRecruiting},
		PageSize:  pageSize,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("condition", condition).Msg("registry_search_failed")
		return []clinical.TrialRecord{}
	}
	trials := FilterByPhase(page.Trials, phases)
	if len(trials) > pageSize {
		trials = trials[:pageSize]
	}
	r.remember(ctx, trials)
	r.log.Info().Str("condition", condition).Int("studies", len(page.Trials)).Int("kept", len(trials)).Msg("registry_search_complete")
	return trials
}

func (r *Retriever) remember(ctx context.Context, trials []clinical.TrialRecord) {
	for _, tr := range trials {
		if r.cfg.Cache != nil {
			if err := r.cfg.Cache.Set(ctx, tr); err != nil {
				r.log.Warn().Err(err).Str("nct_id", tr.NCTID).Msg("trial_cache_set_failed")
			}
		}
		if r.cfg.Writer != nil {
			if err := r.cfg.Writer.UpsertTrial(ctx, tr); err != nil {
				r.log.Warn().Err(err).Str("nct_id", tr.NCTID).Msg("trial_upsert_failed")
			}
		}
	}
}

// TrialReader loads a stored trial by id.
type TrialReader interface {
	GetTrial(ctx context.Context, nctID string) (clinical.TrialRecord, error)
}

// StudyGetter fetches one study from the registry.
type StudyGetter interface {
	GetStudy(ctx context.Context, nctID string) (clinical.TrialRecord, error)
}

// Lookup resolves a trial by id through the cache, then the store, then the
// registry. A trial unknown to all three is a not-found error.
func Lookup(ctx context.Context, nctID string, cache TrialCache, store TrialReader, registry StudyGetter, m *metrics.Metrics) (clinical.TrialRecord, error) {
	nctID = strings.ToUpper(strings.TrimSpace(nctID))
	if cache != nil {
		if tr, ok, err := cache.Get(ctx, nctID); err == nil && ok {
			m.CacheLookup(true)
			return tr, nil
		}
		m.CacheLookup(false)
	}
	if store != nil {
		tr, err := store.GetTrial(ctx, nctID)
		if err == nil {
			return tr, nil
		}
		if !clinical.IsNotFound(err) {
			return clinical.TrialRecord{}, err
		}
	}
	if registry == nil {
		return clinical.TrialRecord{}, clinical.NotFound("trial", nctID)
	}
	tr, err := registry.GetStudy(ctx, nctID)
	if err != nil {
		return clinical.TrialRecord{}, err
	}
	if cache != nil {
		_ = cache.Set(ctx, tr)
	}
	return tr, nil
}

// Catalog lists locally ingested trials.
type Catalog interface {
	ListTrials(ctx context.Context, status string, limit int) ([]clinical.TrialRecord, error)
}

// CatalogRetriever serves candidates from the ingested catalog instead of
// the live registry.
type CatalogRetriever struct {
	catalog Catalog
	limit   int
	log     zerolog.Logger
}

func NewCatalogRetriever(catalog Catalog, scanLimit int, logger zerolog.Logger) *CatalogRetriever {
	if scanLimit <= 0 {
		scanLimit = 500
	}
	return &CatalogRetriever{catalog: catalog, limit: scanLimit, log: logger}
}

func (c *CatalogRetriever) Retrieve(ctx context.Context, profile clinical.PatientProfile, maxResults int) []clinical.TrialRecord {
	trials, err := c.catalog.ListTrials(ctx, StatusRecruiting, c.limit)
	if err != nil {
		c.log.Warn().Err(err).Msg("catalog_list_failed")
		return []clinical.TrialRecord{}
	}
	trials = FilterByCondition(trials, profile.Condition)
	if maxResults > 0 && len(trials) > maxResults {
		trials = trials[:maxResults]
	}
	return trials
}
