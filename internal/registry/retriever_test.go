package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/extract"
)

type fakeSearcher struct {
	page    StudyPage
	err     error
	queries []StudyQuery
}

func (f *fakeSearcher) SearchStudies(_ context.Context, q StudyQuery) (StudyPage, error) {
	f.queries = append(f.queries, q)
	return f.page, f.err
}

type fixedKeywords extract.SearchKeywords

func (k fixedKeywords) Keywords(context.Context, clinical.PatientProfile) extract.SearchKeywords {
	return extract.SearchKeywords(k)
}

type recordingWriter struct{ ids []string }

func (w *recordingWriter) UpsertTrial(_ context.Context, tr clinical.TrialRecord) error {
	w.ids = append(w.ids, tr.NCTID)
	return nil
}

func trial(id, phase, title string) clinical.TrialRecord {
	return clinical.TrialRecord{NCTID: id, Phase: phase, Title: title}
}

func TestRetrieveUsesKeywordsAndCaches(t *testing.T) {
	searcher := &fakeSearcher{page: StudyPage{Trials: []clinical.TrialRecord{
		trial("NCT1", "PHASE1", "a"),
		trial("NCT2", "PHASE2, PHASE3", "b"),
		trial("NCT3", "PHASE3", "c"),
	}}}
	cache := NewMemoryCache(time.Minute)
	writer := &recordingWriter{}
	r := NewRetriever(searcher, RetrieverConfig{
		PageCeiling: 20,
		Keywords:    fixedKeywords{ConditionKeywords: []string{"triple negative breast cancer", "TNBC"}, PhasePreference: []string{"PHASE2", "PHASE3"}},
		Cache:       cache,
		Writer:      writer,
	})

	got := r.Retrieve(context.Background(), clinical.PatientProfile{Condition: "TNBC"}, 50)
	require.Len(t, got, 2)
	assert.Equal(t, "NCT2", got[0].NCTID)
	require.Len(t, searcher.queries, 1)
	assert.Equal(t, "triple negative breast cancer OR TNBC", searcher.queries[0].Condition)
	assert.Equal(t, 20, searcher.queries[0].PageSize)
	assert.Equal(t, []string{"NCT2", "NCT3"}, writer.ids)

	_, ok, err := cache.Get(context.Background(), "NCT3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRetrieveDegradesToEmptyOnRegistryFailure(t *testing.T) {
	r := NewRetriever(&fakeSearcher{err: errors.New("status code: 503")}, RetrieverConfig{})
	got := r.Retrieve(context.Background(), clinical.PatientProfile{Condition: "NSCLC"}, 10)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRetrieveSkipsUnknownCondition(t *testing.T) {
	searcher := &fakeSearcher{}
	got := NewRetriever(searcher, RetrieverConfig{}).Retrieve(context.Background(), clinical.PatientProfile{Condition: clinical.UnknownCondition}, 10)
	assert.Empty(t, got)
	assert.Empty(t, searcher.queries)
}

func TestRetrieveUnknownConditionIgnoresKeywordSource(t *testing.T) {
	searcher := &fakeSearcher{}
	r := NewRetriever(searcher, RetrieverConfig{Keywords: fixedKeywords{ConditionKeywords: []string{"lung cancer"}}})
	for _, cond := range []string{clinical.UnknownCondition, "  "} {
		got := r.Retrieve(context.Background(), clinical.PatientProfile{Condition: cond}, 10)
		assert.Empty(t, got, cond)
	}
	assert.Empty(t, searcher.queries)
}

func TestFilterByPhaseKeepsAllWhenNothingMatches(t *testing.T) {
	in := []clinical.TrialRecord{trial("NCT1", "PHASE1", ""), trial("NCT2", "N/A", "")}
	assert.Equal(t, in, FilterByPhase(in, []string{"PHASE3"}))
	assert.Equal(t, in, FilterByPhase(in, nil))
}

func TestFilterByCondition(t *testing.T) {
	trials := []clinical.TrialRecord{
		{NCTID: "NCT1", Title: "Pembrolizumab in Triple-Negative Breast Cancer"},
		{NCTID: "NCT2", Title: "Osimertinib study", Conditions: []string{"Non-Small Cell Lung Cancer"}},
		{NCTID: "NCT3", Title: "FOLFOX", Conditions: []string{"Colorectal Cancer"}},
	}
	got := FilterByCondition(trials, "TNBC")
	require.Len(t, got, 1)
	assert.Equal(t, "NCT1", got[0].NCTID)

	got = FilterByCondition(trials, "EGFR-mutant NSCLC")
	require.Len(t, got, 1)
	assert.Equal(t, "NCT2", got[0].NCTID)

	assert.Len(t, FilterByCondition(trials, "melanoma"), 3)
	assert.Len(t, FilterByCondition(trials[:1], "colorectal cancer"), 1)
}

type mapReader map[string]clinical.TrialRecord

func (m mapReader) GetTrial(_ context.Context, id string) (clinical.TrialRecord, error) {
	tr, ok := m[id]
	if !ok {
		return clinical.TrialRecord{}, clinical.NotFound("trial", id)
	}
	return tr, nil
}

type stubGetter struct {
	calls int
	tr    clinical.TrialRecord
	err   error
}

func (s *stubGetter) GetStudy(context.Context, string) (clinical.TrialRecord, error) {
	s.calls++
	return s.tr, s.err
}

func TestLookupOrder(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(time.Minute)
	require.NoError(t, cache.Set(ctx, trial("NCT1", "PHASE2", "cached")))
	store := mapReader{"NCT2": trial("NCT2", "PHASE3", "stored")}
	reg := &stubGetter{tr: trial("NCT3", "PHASE1", "live")}

	tr, err := Lookup(ctx, "nct1", cache, store, reg, nil)
	require.NoError(t, err)
	assert.Equal(t, "cached", tr.Title)

	tr, err = Lookup(ctx, "NCT2", cache, store, reg, nil)
	require.NoError(t, err)
	assert.Equal(t, "stored", tr.Title)
	assert.Equal(t, 0, reg.calls)

	tr, err = Lookup(ctx, "NCT3", cache, store, reg, nil)
	require.NoError(t, err)
	assert.Equal(t, "live", tr.Title)
	_, ok, _ := cache.Get(ctx, "NCT3")
	assert.True(t, ok)

	_, err = Lookup(ctx, "NCT4", nil, store, nil, nil)
	assert.True(t, clinical.IsNotFound(err))
}

type fakeCatalog struct{ trials []clinical.TrialRecord }

func (f fakeCatalog) ListTrials(context.Context, string, int) ([]clinical.TrialRecord, error) {
	return f.trials, nil
}

func TestCatalogRetrieverFiltersAndTruncates(t *testing.T) {
	cat := fakeCatalog{trials: []clinical.TrialRecord{
		{NCTID: "NCT1", Title: "Breast A"},
		{NCTID: "NCT2", Title: "Lung"},
		{NCTID: "NCT3", Title: "Breast B"},
		{NCTID: "NCT4", Title: "Breast C"},
	}}
	got := NewCatalogRetriever(cat, 0, zerolog.Nop()).Retrieve(context.Background(), clinical.PatientProfile{Condition: "HR+ breast cancer"}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "NCT1", got[0].NCTID)
	assert.Equal(t, "NCT3", got[1].NCTID)
}
