package eligibility

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/llm"
	"github.com/joelkehle/trialsense/internal/metrics"
)

const (
	// SystemErrorScore marks a single evaluation the oracle could not produce.
	SystemErrorScore = 30
	// PlaceholderScore marks batch entries that were never scored.
	PlaceholderScore = 40

	DefaultBatchCriteriaLimit  = 1500
	DefaultSingleCriteriaLimit = 3000
)

// SystemError is returned for a single evaluation whose oracle call or
// response failed.
func SystemError() clinical.EligibilityEvaluation {
	return clinical.Degraded(SystemErrorScore, "Unable to evaluate - system error", "Error occurred during evaluation. Please review manually.")
}

// NotCompleted pads a batch whose response held fewer entries than trials.
func NotCompleted() clinical.EligibilityEvaluation {
	return clinical.Degraded(PlaceholderScore, "Evaluation not completed", "Trial needs manual review.")
}

// BatchFailed fills every slot when the batch call itself failed.
func BatchFailed() clinical.EligibilityEvaluation {
	return clinical.Degraded(PlaceholderScore, "Batch evaluation failed", "Could not evaluate. Please review manually.")
}

type Mode string

const (
	ModeBatch    Mode = "batch"
	ModeParallel Mode = "parallel"
)

// Oracle is the subset of llm.Executor the evaluator needs.
type Oracle interface {
	Generate(ctx context.Context, op, prompt string) (string, error)
}

type Config struct {
	Mode                Mode
	Parallelism         int
	BatchCriteriaLimit  int
	SingleCriteriaLimit int
	Logger              zerolog.Logger
	Metrics             *metrics.Metrics
}

// Evaluator scores trials against a patient through the oracle. Every
// method returns exactly one evaluation per trial, in input order.
type Evaluator struct {
	oracle  Oracle
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func New(oracle Oracle, cfg Config) *Evaluator {
	if cfg.Mode == "" {
		cfg.Mode = ModeBatch
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.BatchCriteriaLimit <= 0 {
		cfg.BatchCriteriaLimit = DefaultBatchCriteriaLimit
	}
	if cfg.SingleCriteriaLimit <= 0 {
		cfg.SingleCriteriaLimit = DefaultSingleCriteriaLimit
	}
	return &Evaluator{oracle: oracle, cfg: cfg, log: cfg.Logger, metrics: cfg.Metrics}
}

func (e *Evaluator) Mode() Mode { return e.cfg.Mode }

// EvaluateAll dispatches on the configured mode.
func (e *Evaluator) EvaluateAll(ctx context.Context, p clinical.PatientProfile, trials []clinical.TrialRecord) []clinical.EligibilityEvaluation {
	if e.cfg.Mode == ModeParallel {
		return e.EvaluateEach(ctx, p, trials)
	}
	return e.EvaluateBatch(ctx, p, trials)
}

// Evaluate scores one trial. Oracle or parse failure yields SystemError.
func (e *Evaluator) Evaluate(ctx context.Context, p clinical.PatientProfile, tr clinical.TrialRecord) clinical.EligibilityEvaluation {
	raw, err := e.oracle.Generate(ctx, "evaluate_eligibility", buildSinglePrompt(p, tr, e.cfg.SingleCriteriaLimit))
	if err != nil {
		e.log.Warn().Err(err).Str("nct_id", tr.NCTID).Msg("evaluation_oracle_failed")
		e.metrics.Evaluation("single", "system_error", 1)
		return SystemError()
	}
	var re rawEvaluation
	if err := llm.DecodeJSON(raw, &re); err != nil {
		e.log.Warn().Err(err).Str("nct_id", tr.NCTID).Int("response_chars", len(raw)).Msg("evaluation_parse_failed")
		e.metrics.Evaluation("single", "system_error", 1)
		return SystemError()
	}
	ev, ok := e.finish(re, tr.NCTID)
	if !ok {
		e.metrics.Evaluation("single", "system_error", 1)
		return SystemError()
	}
	e.metrics.Evaluation("single", "ok", 1)
	return ev
}

// EvaluateBatch scores all trials in one oracle call. Missing entries are
// padded by position with NotCompleted; a failed call gives BatchFailed for
// every trial.
func (e *Evaluator) EvaluateBatch(ctx context.Context, p clinical.PatientProfile, trials []clinical.TrialRecord) []clinical.EligibilityEvaluation {
	out := make([]clinical.EligibilityEvaluation, len(trials))
	if len(trials) == 0 {
		return out
	}
	fail := func() []clinical.EligibilityEvaluation {
		for i := range out {
			out[i] = BatchFailed()
		}
		e.metrics.Evaluation("batch", "batch_failed", len(trials))
		return out
	}

	raw, err := e.oracle.Generate(ctx, "evaluate_batch", buildBatchPrompt(p, trials, e.cfg.BatchCriteriaLimit))
	if err != nil {
		e.log.Warn().Err(err).Int("trials", len(trials)).Msg("batch_evaluation_oracle_failed")
		return fail()
	}
	entries, err := decodeBatch(raw)
	if err != nil {
		e.log.Warn().Err(err).Int("trials", len(trials)).Int("response_chars", len(raw)).Msg("batch_evaluation_parse_failed")
		return fail()
	}
	if len(entries) != len(trials) {
		e.log.Warn().Int("trials", len(trials)).Int("returned", len(entries)).Msg("batch_evaluation_count_mismatch")
	}

	scored, padded := 0, 0
	for i, tr := range trials {
		if i >= len(entries) {
			out[i] = NotCompleted()
			padded++
			continue
		}
		if id := strings.TrimSpace(entries[i].NCTID); id != "" && !strings.EqualFold(id, tr.NCTID) {
			e.log.Warn().Int("position", i).Str("expected", tr.NCTID).Str("returned", id).Msg("batch_evaluation_id_mismatch")
		}
		ev, ok := e.finish(entries[i], tr.NCTID)
		if !ok {
			out[i] = NotCompleted()
			padded++
			continue
		}
		out[i] = ev
		scored++
	}
	e.metrics.Evaluation("batch", "ok", scored)
	e.metrics.Evaluation("batch", "padded", padded)
	return out
}

// EvaluateEach runs single evaluations concurrently and reassembles them in
// input order.
func (e *Evaluator) EvaluateEach(ctx context.Context, p clinical.PatientProfile, trials []clinical.TrialRecord) []clinical.EligibilityEvaluation {
	out := make([]clinical.EligibilityEvaluation, len(trials))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(e.cfg.Parallelism)
	for i, tr := range trials {
		grp.Go(func() error {
			out[i] = e.Evaluate(gctx, p, tr)
			return nil
		})
	}
	_ = grp.Wait()
	return out
}

// finish validates one decoded entry and re-derives its category.
func (e *Evaluator) finish(re rawEvaluation, nctID string) (clinical.EligibilityEvaluation, bool) {
	if re.FitScore == nil || math.IsNaN(float64(*re.FitScore)) || math.IsInf(float64(*re.FitScore), 0) {
		e.log.Warn().Str("nct_id", nctID).Msg("evaluation_missing_score")
		return clinical.EligibilityEvaluation{}, false
	}
	score := math.Max(0, math.Min(100, float64(*re.FitScore)))
	claimed := clinical.FitCategory(strings.ToLower(strings.TrimSpace(re.FitCategory)))
	ev, mismatch := clinical.Normalize(clinical.EligibilityEvaluation{
		FitScore:       int(math.Round(score)),
		FitCategory:    claimed,
		CriteriaMet:    re.CriteriaMet,
		CriteriaNotMet: re.CriteriaNotMet,
		MissingInfo:    re.MissingInfo,
		Explanation:    strings.TrimSpace(re.Explanation),
	})
	if mismatch {
		e.metrics.CategoryMismatch()
		e.log.Warn().Str("nct_id", nctID).Int("fit_score", ev.FitScore).Str("oracle_category", string(claimed)).
			Str("derived_category", string(ev.FitCategory)).Msg("evaluation_category_mismatch")
	}
	if err := clinical.Validate(ev); err != nil {
		e.log.Warn().Err(err).Str("nct_id", nctID).Msg("evaluation_validation_failed")
		return clinical.EligibilityEvaluation{}, false
	}
	return ev, true
}

type rawEvaluation struct {
	NCTID          string     `json:"nct_id"`
	FitScore       *flexScore `json:"fit_score"`
	FitCategory    string     `json:"fit_category"`
	CriteriaMet    stringList `json:"criteria_met"`
	CriteriaNotMet stringList `json:"criteria_not_met"`
	MissingInfo    stringList `json:"missing_info"`
	Explanation    string     `json:"explanation"`
}

// decodeBatch accepts a bare array, an object wrapping one under
// "evaluations" or "results", or a lone evaluation object.
func decodeBatch(raw string) ([]rawEvaluation, error) {
	var msg json.RawMessage
	if err := llm.DecodeJSON(raw, &msg); err != nil {
		return nil, err
	}
	var entries []rawEvaluation
	if err := json.Unmarshal(msg, &entries); err == nil {
		return entries, nil
	}
	var wrapped struct {
		Evaluations []rawEvaluation `json:"evaluations"`
		Results     []rawEvaluation `json:"results"`
		FitScore    json.RawMessage `json:"fit_score"`
	}
	if err := json.Unmarshal(msg, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.FitScore != nil {
		var single rawEvaluation
		if err := json.Unmarshal(msg, &single); err != nil {
			return nil, err
		}
		return []rawEvaluation{single}, nil
	}
	if wrapped.Evaluations != nil {
		return wrapped.Evaluations, nil
	}
	if wrapped.Results != nil {
		return wrapped.Results, nil
	}
	return nil, llm.ErrNoJSON
}

// flexScore decodes 72, 72.5, "72" and "72%". Anything else decodes to NaN
// so that one bad entry does not sink the whole batch.
type flexScore float64

func (f *flexScore) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	n, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		n = math.NaN()
	}
	*f = flexScore(n)
	return nil
}

// stringList decodes a list of strings, a single string, or null.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var many []any
	if err := json.Unmarshal(data, &many); err == nil {
		out := make([]string, 0, len(many))
		for _, v := range many {
			if s, ok := v.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		*l = out
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return nil
	}
	if one = strings.TrimSpace(one); one != "" {
		*l = []string{one}
	}
	return nil
}
