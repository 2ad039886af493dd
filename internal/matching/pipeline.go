package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/llm"
	"github.com/joelkehle/trialsense/internal/metrics"
)

type StageProgressFn func(stage, message string)

type Retriever interface {
	Retrieve(ctx context.Context, profile clinical.PatientProfile, maxResults int) []clinical.TrialRecord
}

type Evaluator interface {
	EvaluateAll(ctx context.Context, profile clinical.PatientProfile, trials []clinical.TrialRecord) []clinical.EligibilityEvaluation
}

type Geocoder interface {
	Lookup(ctx context.Context, city, state, country string) (*clinical.Coordinate, error)
}

type Extractor interface {
	FromText(ctx context.Context, text string) clinical.PatientProfile
	FromImage(ctx context.Context, image llm.Image) clinical.PatientProfile
}

type PipelineConfig struct {
	// Geocoder resolves the patient's city when the profile carries no
	// coordinates. Optional.
	Geocoder       Geocoder
	GeocodeTimeout time.Duration
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

// Pipeline runs retrieve, evaluate and rank as strictly sequential stages.
type Pipeline struct {
	retriever Retriever
	evaluator Evaluator
	extractor Extractor
	cfg       PipelineConfig
	log       zerolog.Logger
}

func NewPipeline(retriever Retriever, evaluator Evaluator, extractor Extractor, cfg PipelineConfig) *Pipeline {
	if cfg.GeocodeTimeout <= 0 {
		cfg.GeocodeTimeout = 10 * time.Second
	}
	return &Pipeline{retriever: retriever, evaluator: evaluator, extractor: extractor, cfg: cfg, log: cfg.Logger}
}

func (p *Pipeline) MatchPatientToTrials(ctx context.Context, profile clinical.PatientProfile, maxResults int) []clinical.TrialMatch {
	return p.MatchWithProgress(ctx, profile, maxResults, nil)
}

func (p *Pipeline) MatchWithProgress(ctx context.Context, profile clinical.PatientProfile, maxResults int, progress StageProgressFn) []clinical.TrialMatch {
	if maxResults <= 0 {
		return []clinical.TrialMatch{}
	}
	started := time.Now()

	emit(progress, "retrieve", fmt.Sprintf("Searching trials for %s...", profile.Condition))
	stageStarted := time.Now()
	trials := p.retriever.Retrieve(ctx, profile, maxResults)
	p.cfg.Metrics.ObserveStage("retrieve", time.Since(stageStarted))
	if len(trials) == 0 {
		p.log.Info().Str("condition", profile.Condition).Msg("match_no_trials")
		p.cfg.Metrics.MatchRun("no_trials")
		emit(progress, "retrieve", "No candidate trials found")
		return []clinical.TrialMatch{}
	}
	emit(progress, "retrieve", fmt.Sprintf("Found %d trials in %s", len(trials), time.Since(stageStarted).Round(time.Millisecond)))

	emit(progress, "evaluate", fmt.Sprintf("Evaluating eligibility for %d trials...", len(trials)))
	stageStarted = time.Now()
	evals := p.evaluator.EvaluateAll(ctx, profile, trials)
	p.cfg.Metrics.ObserveStage("evaluate", time.Since(stageStarted))
	emit(progress, "evaluate", fmt.Sprintf("Evaluation complete in %s", time.Since(stageStarted).Round(time.Millisecond)))

	stageStarted = time.Now()
	origin := p.patientCoordinate(ctx, profile)
	matches := RankMatches(trials, evals, origin, maxResults)
	p.cfg.Metrics.ObserveStage("rank", time.Since(stageStarted))
	emit(progress, "rank", fmt.Sprintf("Ranked %d matches", len(matches)))

	p.cfg.Metrics.MatchRun("ok")
	p.log.Info().
		Str("condition", profile.Condition).
		Int("trials", len(trials)).
		Int("matches", len(matches)).
		Bool("located", origin != nil).
		Dur("elapsed", time.Since(started)).
		Msg("match_completed")
	return matches
}

// MatchText extracts a profile from free text and matches it.
func (p *Pipeline) MatchText(ctx context.Context, text string, maxResults int) (clinical.PatientProfile, []clinical.TrialMatch) {
	profile := p.extractor.FromText(ctx, text)
	return profile, p.MatchPatientToTrials(ctx, profile, maxResults)
}

// MatchImage extracts a profile from a clinical document image and matches it.
func (p *Pipeline) MatchImage(ctx context.Context, image llm.Image, maxResults int) (clinical.PatientProfile, []clinical.TrialMatch) {
	profile := p.extractor.FromImage(ctx, image)
	return profile, p.MatchPatientToTrials(ctx, profile, maxResults)
}

// patientCoordinate prefers explicit coordinates on the profile and falls
// back to geocoding its city. Failure leaves the patient unlocated.
func (p *Pipeline) patientCoordinate(ctx context.Context, profile clinical.PatientProfile) *clinical.Coordinate {
	if c := profile.Coordinate(); c != nil {
		return c
	}
	loc := profile.Location
	if p.cfg.Geocoder == nil || loc == nil || loc.City == "" {
		return nil
	}
	state := ""
	if loc.State != nil {
		state = *loc.State
	}
	gctx, cancel := context.WithTimeout(ctx, p.cfg.GeocodeTimeout)
	defer cancel()
	c, err := p.cfg.Geocoder.Lookup(gctx, loc.City, state, loc.Country)
	if err != nil {
		p.log.Warn().Err(err).Str("city", loc.City).Msg("patient_geocode_failed")
		return nil
	}
	return c
}

func emit(progress StageProgressFn, stage, message string) {
	if progress != nil {
		progress(stage, message)
	}
}
