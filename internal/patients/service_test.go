package patients

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/store"
)

type fakeMatcher struct {
	matches []clinical.TrialMatch
	calls   int
	max     int
}

func (f *fakeMatcher) MatchPatientToTrials(_ context.Context, _ clinical.PatientProfile, maxResults int) []clinical.TrialMatch {
	f.calls++
	f.max = maxResults
	return f.matches
}

func newTestService(t *testing.T, matcher Matcher) (*Service, *store.SQLStore) {
	t.Helper()
	now := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st, err := store.Open(context.Background(), store.Config{
		DSN:   filepath.Join(t.TempDir(), "patients.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	n := 0
	svc := NewService(st, matcher, Config{
		Clock: clock,
		NewID: func() string {
			n++
			return fmt.Sprintf("PTEST%04d", n)
		},
	})
	return svc, st
}

func ptr[T any](v T) *T { return &v }

func profile() clinical.PatientProfile {
	return clinical.PatientProfile{
		Condition:         "non-small cell lung cancer",
		Stage:             ptr("IV"),
		Age:               ptr(58),
		CurrentTreatments: []string{"osimertinib"},
		Biomarkers:        map[string]string{"EGFR": "L858R"},
	}
}

func match(id string, score int) clinical.TrialMatch {
	return clinical.TrialMatch{
		NCTID:       id,
		Title:       "Study " + id,
		Phase:       "PHASE2",
		Status:      "RECRUITING",
		FitScore:    score,
		FitCategory: clinical.CategoryForScore(score),
		CriteriaMet: []string{"stage IV"},
		Explanation: "fits",
	}
}

func TestNewPatientIDFormat(t *testing.T) {
	id := NewPatientID()
	assert.Regexp(t, regexp.MustCompile(`^P[0-9A-F]{8}$`), id)
	assert.NotEqual(t, id, NewPatientID())
}

func TestSaveKeepsAtMostThreeSelections(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	id, err := svc.Save(ctx, "Asha Rao", profile(), []clinical.TrialMatch{
		match("NCT00000001", 90), match("NCT00000002", 80), match("NCT00000003", 70), match("NCT00000004", 60),
	})
	require.NoError(t, err)
	assert.Equal(t, "PTEST0001", id)

	p, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, p.Trials, 3)
	assert.Equal(t, "NCT00000001", p.Trials[0].NCTID)
	assert.Equal(t, 90, p.Trials[0].Match.FitScore)
	assert.Equal(t, "NCT00000003", p.Trials[2].NCTID)
}

func TestSaveRejectsMissingNameAndCondition(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Save(ctx, "  ", profile(), nil)
	assert.True(t, clinical.IsInvalidInput(err))

	_, err = svc.Save(ctx, "No Condition", clinical.PatientProfile{}, nil)
	assert.True(t, clinical.IsInvalidInput(err))
}

func TestSaveCreatesPlaceholderTrial(t *testing.T) {
	svc, st := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Save(ctx, "Ravi", profile(), []clinical.TrialMatch{match("NCT09999999", 75)})
	require.NoError(t, err)

	tr, err := st.GetTrial(ctx, "NCT09999999")
	require.NoError(t, err)
	assert.Equal(t, "Study NCT09999999", tr.Title)
	assert.Equal(t, "Active", tr.Status)
	assert.Equal(t, "Unknown", tr.Sponsor)
}

func TestUpdateTrialsReplacesSelection(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	id, err := svc.Save(ctx, "Meera", profile(), []clinical.TrialMatch{match("NCT00000001", 90), match("NCT00000002", 80)})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateTrials(ctx, id, []clinical.TrialMatch{match("NCT00000005", 55)}))
	p, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, p.Trials, 1)
	assert.Equal(t, "NCT00000005", p.Trials[0].NCTID)

	err = svc.UpdateTrials(ctx, "PMISSING", nil)
	assert.True(t, clinical.IsNotFound(err))
}

func TestUpdateProfileMergesProvidedFields(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	id, err := svc.Save(ctx, "Kiran", profile(), nil)
	require.NoError(t, err)

	updated, err := svc.UpdateProfile(ctx, id, ProfileUpdate{
		Name:              ptr("Kiran S"),
		ECOG:              clinical.ECOG(1),
		CurrentTreatments: []string{"amivantamab"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Kiran S", updated.Name)

	p, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Kiran S", p.Name)
	assert.Equal(t, "non-small cell lung cancer", p.Profile.Condition)
	require.NotNil(t, p.Profile.Stage)
	assert.Equal(t, "IV", *p.Profile.Stage)
	require.NotNil(t, p.Profile.ECOG)
	assert.Equal(t, "1", p.Profile.ECOG.String())
	assert.Equal(t, []string{"amivantamab"}, p.Profile.CurrentTreatments)
	assert.Equal(t, map[string]string{"EGFR": "L858R"}, p.Profile.Biomarkers)

	_, err = svc.UpdateProfile(ctx, "PMISSING", ProfileUpdate{Name: ptr("x")})
	assert.True(t, clinical.IsNotFound(err))
}

func TestChartSkipMatchingReturnsSavedMatches(t *testing.T) {
	matcher := &fakeMatcher{matches: []clinical.TrialMatch{match("NCT00000042", 88)}}
	svc, _ := newTestService(t, matcher)
	ctx := context.Background()

	id, err := svc.Save(ctx, "Leela", profile(), []clinical.TrialMatch{match("NCT00000001", 90)})
	require.NoError(t, err)

	c, err := svc.Chart(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, 0, matcher.calls)
	require.Len(t, c.Matches, 1)
	assert.Equal(t, "NCT00000001", c.Matches[0].NCTID)
	assert.Equal(t, "Leela", c.Patient.Name)

	c, err = svc.Chart(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, 1, matcher.calls)
	assert.Equal(t, 10, matcher.max)
	require.Len(t, c.Matches, 1)
	assert.Equal(t, "NCT00000042", c.Matches[0].NCTID)

	_, err = svc.Chart(ctx, "PMISSING", true)
	assert.True(t, clinical.IsNotFound(err))
}

func TestListAndDelete(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	first, err := svc.Save(ctx, "One", profile(), []clinical.TrialMatch{match("NCT00000001", 90)})
	require.NoError(t, err)
	_, err = svc.Save(ctx, "Two", profile(), nil)
	require.NoError(t, err)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	counts := map[string]int{}
	for _, s := range list {
		counts[s.Name] = s.TrialCount
	}
	assert.Equal(t, map[string]int{"One": 1, "Two": 0}, counts)

	require.NoError(t, svc.Delete(ctx, first))
	assert.True(t, clinical.IsNotFound(svc.Delete(ctx, first)))

	list, err = svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Two", list[0].Name)
}
