package matching

import (
	"sort"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/geo"
)

const (
	DefaultMatchLimit = 10
	// AlertMatchLimit caps matches produced by the transcript listener.
	AlertMatchLimit = 5
	// SaveLimit is the most trials a patient record may keep.
	SaveLimit = 3
)

// RankMatches pairs each trial with its evaluation, attaches the nearest
// site to origin, and returns at most maxResults matches ordered by fit
// score descending, then distance ascending with unknown distances last.
// Trials and evaluations are paired by position.
func RankMatches(trials []clinical.TrialRecord, evals []clinical.EligibilityEvaluation, origin *clinical.Coordinate, maxResults int) []clinical.TrialMatch {
	n := len(trials)
	if len(evals) < n {
		n = len(evals)
	}
	matches := make([]clinical.TrialMatch, 0, n)
	for i := 0; i < n; i++ {
		matches = append(matches, toMatch(trials[i], evals[i], origin))
	}
	return FromMatches(matches, maxResults)
}

// FromMatches sorts already assembled matches with the same ordering as
// RankMatches. The input slice is not modified.
func FromMatches(matches []clinical.TrialMatch, maxResults int) []clinical.TrialMatch {
	if maxResults <= 0 {
		return []clinical.TrialMatch{}
	}
	out := make([]clinical.TrialMatch, len(matches))
	copy(out, matches)
	sort.SliceStable(out, func(i, j int) bool { return ranksBefore(out[i], out[j]) })
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

func ranksBefore(a, b clinical.TrialMatch) bool {
	if a.FitScore != b.FitScore {
		return a.FitScore > b.FitScore
	}
	switch {
	case a.DistanceKM == nil:
		return false
	case b.DistanceKM == nil:
		return true
	default:
		return *a.DistanceKM < *b.DistanceKM
	}
}

func toMatch(tr clinical.TrialRecord, ev clinical.EligibilityEvaluation, origin *clinical.Coordinate) clinical.TrialMatch {
	nearest, dist := geo.Nearest(origin, tr.Locations)
	return clinical.TrialMatch{
		NCTID:           tr.NCTID,
		Title:           tr.Title,
		Phase:           tr.Phase,
		Status:          tr.Status,
		Sponsor:         tr.Sponsor,
		FitScore:        ev.FitScore,
		FitCategory:     ev.FitCategory,
		CriteriaMet:     ev.CriteriaMet,
		CriteriaNotMet:  ev.CriteriaNotMet,
		MissingInfo:     ev.MissingInfo,
		Explanation:     ev.Explanation,
		NearestLocation: nearest,
		DistanceKM:      dist,
	}
}
