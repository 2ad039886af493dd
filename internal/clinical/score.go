package clinical

// CategoryForScore maps a 0-100 fit score onto its band.
func CategoryForScore(score int) FitCategory {
	switch {
	case score >= 80:
		return FitStrong
	case score >= 50:
		return FitModerate
	case score >= 20:
		return FitWeak
	default:
		return FitIneligible
	}
}

func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Normalize clamps the score, re-derives the category from it, and replaces
// nil lists with empty ones. It reports whether the incoming category
// disagreed with the score band.
func Normalize(e EligibilityEvaluation) (EligibilityEvaluation, bool) {
	e.FitScore = ClampScore(e.FitScore)
	want := CategoryForScore(e.FitScore)
	mismatch := e.FitCategory != want
	e.FitCategory = want
	e.CriteriaMet = nonNil(e.CriteriaMet)
	e.CriteriaNotMet = nonNil(e.CriteriaNotMet)
	e.MissingInfo = nonNil(e.MissingInfo)
	return e, mismatch
}

// Degraded builds a placeholder evaluation used when the oracle could not
// produce a real one.
func Degraded(score int, missing, explanation string) EligibilityEvaluation {
	return EligibilityEvaluation{
		FitScore:       score,
		FitCategory:    CategoryForScore(score),
		CriteriaMet:    []string{},
		CriteriaNotMet: []string{},
		MissingInfo:    []string{missing},
		Explanation:    explanation,
	}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
