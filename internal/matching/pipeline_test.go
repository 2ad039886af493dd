package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/llm"
	"github.com/joelkehle/trialsense/internal/metrics"
)

type fakeRetriever struct {
	trials []clinical.TrialRecord
	max    int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ clinical.PatientProfile, maxResults int) []clinical.TrialRecord {
	f.max = maxResults
	return f.trials
}

type fakeEvaluator struct {
	scores []int
	calls  int
}

func (f *fakeEvaluator) EvaluateAll(_ context.Context, _ clinical.PatientProfile, trials []clinical.TrialRecord) []clinical.EligibilityEvaluation {
	f.calls++
	out := make([]clinical.EligibilityEvaluation, len(trials))
	for i := range trials {
		out[i] = clinical.EligibilityEvaluation{FitScore: f.scores[i], FitCategory: clinical.CategoryForScore(f.scores[i])}
	}
	return out
}

type fakeGeocoder struct {
	coord *clinical.Coordinate
	err   error
	calls int
}

func (f *fakeGeocoder) Lookup(context.Context, string, string, string) (*clinical.Coordinate, error) {
	f.calls++
	return f.coord, f.err
}

type fakeExtractor struct{ profile clinical.PatientProfile }

func (f fakeExtractor) FromText(context.Context, string) clinical.PatientProfile { return f.profile }
func (f fakeExtractor) FromImage(context.Context, llm.Image) clinical.PatientProfile {
	return f.profile
}

func chennaiProfile() clinical.PatientProfile {
	return clinical.PatientProfile{
		Condition: "triple-negative breast cancer",
		Location:  &clinical.PatientLocation{City: "Chennai", Country: "India"},
	}
}

func TestMatchPatientToTrialsNoTrialsSkipsEvaluation(t *testing.T) {
	ev := &fakeEvaluator{}
	p := NewPipeline(&fakeRetriever{}, ev, nil, PipelineConfig{Metrics: metrics.New()})

	got := p.MatchPatientToTrials(context.Background(), chennaiProfile(), DefaultMatchLimit)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Zero(t, ev.calls)
}

func TestMatchPatientToTrialsGeocodesPatientCity(t *testing.T) {
	ret := &fakeRetriever{trials: []clinical.TrialRecord{
		{NCTID: "NCT04939948", Locations: []clinical.Location{site("Mumbai", 19.0760, 72.8777)}},
		{NCTID: "NCT05382286", Locations: []clinical.Location{site("Chennai", 13.0827, 80.2707)}},
		{NCTID: "NCT04584112"},
	}}
	ev := &fakeEvaluator{scores: []int{65, 65, 85}}
	geo := &fakeGeocoder{coord: chennai}
	var stages []string
	p := NewPipeline(ret, ev, nil, PipelineConfig{Geocoder: geo})

	got := p.MatchWithProgress(context.Background(), chennaiProfile(), 2, func(stage, _ string) {
		stages = append(stages, stage)
	})

	require.Len(t, got, 2)
	assert.Equal(t, []string{"NCT04584112", "NCT05382286"}, ids(got))
	assert.Equal(t, clinical.FitStrong, got[0].FitCategory)
	require.NotNil(t, got[1].DistanceKM)
	assert.InDelta(t, 0, *got[1].DistanceKM, 0.001)
	assert.Equal(t, 2, ret.max)
	assert.Equal(t, 1, geo.calls)
	assert.Contains(t, stages, "retrieve")
	assert.Contains(t, stages, "evaluate")
	assert.Equal(t, "rank", stages[len(stages)-1])
}

func TestMatchPatientToTrialsPrefersProfileCoordinates(t *testing.T) {
	profile := chennaiProfile()
	profile.Location.Lat, profile.Location.Lng = fptr(19.0760), fptr(72.8777)
	geo := &fakeGeocoder{coord: chennai}
	ret := &fakeRetriever{trials: []clinical.TrialRecord{{NCTID: "NCT1", Locations: []clinical.Location{site("Mumbai", 19.0760, 72.8777)}}}}
	p := NewPipeline(ret, &fakeEvaluator{scores: []int{50}}, nil, PipelineConfig{Geocoder: geo})

	got := p.MatchPatientToTrials(context.Background(), profile, DefaultMatchLimit)
	require.Len(t, got, 1)
	assert.InDelta(t, 0, *got[0].DistanceKM, 0.001)
	assert.Zero(t, geo.calls)
}

func TestMatchPatientToTrialsGeocodeFailureLeavesDistanceUnknown(t *testing.T) {
	ret := &fakeRetriever{trials: []clinical.TrialRecord{{NCTID: "NCT1", Locations: []clinical.Location{site("Mumbai", 19.0760, 72.8777)}}}}
	p := NewPipeline(ret, &fakeEvaluator{scores: []int{50}}, nil, PipelineConfig{Geocoder: &fakeGeocoder{err: errors.New("timeout")}})

	got := p.MatchPatientToTrials(context.Background(), chennaiProfile(), DefaultMatchLimit)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].DistanceKM)
	assert.Nil(t, got[0].NearestLocation)
}

func TestMatchTextExtractsThenMatches(t *testing.T) {
	ret := &fakeRetriever{trials: []clinical.TrialRecord{{NCTID: "NCT1"}}}
	p := NewPipeline(ret, &fakeEvaluator{scores: []int{20}}, fakeExtractor{profile: chennaiProfile()}, PipelineConfig{})

	profile, got := p.MatchText(context.Background(), "58F TNBC Chennai", AlertMatchLimit)
	assert.Equal(t, "triple-negative breast cancer", profile.Condition)
	require.Len(t, got, 1)
	assert.Equal(t, clinical.FitWeak, got[0].FitCategory)
	assert.Equal(t, AlertMatchLimit, ret.max)
}
