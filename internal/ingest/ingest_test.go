package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/registry"
)

type fakeRegistry struct {
	pages   []registry.StudyPage
	err     error
	queries []registry.StudyQuery
}

func (f *fakeRegistry) SearchStudies(_ context.Context, q registry.StudyQuery) (registry.StudyPage, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return registry.StudyPage{}, f.err
	}
	i := len(f.queries) - 1
	if i >= len(f.pages) {
		return registry.StudyPage{}, nil
	}
	return f.pages[i], nil
}

type memStore struct {
	trials map[string]clinical.TrialRecord
	fail   map[string]bool
}

func newMemStore(ids ...string) *memStore {
	m := &memStore{trials: map[string]clinical.TrialRecord{}, fail: map[string]bool{}}
	for _, id := range ids {
		m.trials[id] = clinical.TrialRecord{NCTID: id, Title: "existing"}
	}
	return m
}

func (m *memStore) TrialExists(_ context.Context, id string) (bool, error) {
	_, ok := m.trials[id]
	return ok, nil
}

func (m *memStore) InsertTrialIfAbsent(_ context.Context, tr clinical.TrialRecord) (bool, error) {
	if m.fail[tr.NCTID] {
		return false, errors.New("disk full")
	}
	if _, ok := m.trials[tr.NCTID]; ok {
		return false, nil
	}
	m.trials[tr.NCTID] = tr
	return true, nil
}

type fakeFiller struct {
	calls int
	seen  int
}

func (f *fakeFiller) FillLocations(_ context.Context, locs []clinical.Location) (int, error) {
	f.calls++
	f.seen = len(locs)
	n := 0
	for i := range locs {
		if locs[i].Coordinate() == nil {
			lat, lng := 1.5, 2.5
			locs[i].Lat, locs[i].Lng = &lat, &lng
			n++
		}
	}
	return n, nil
}

func trialsNamed(prefix string, n int) []clinical.TrialRecord {
	out := make([]clinical.TrialRecord, n)
	for i := range out {
		out[i] = clinical.TrialRecord{
			NCTID:     fmt.Sprintf("%s%03d", prefix, i),
			Title:     "trial",
			Locations: []clinical.Location{{Facility: "Site", City: "Pune", Country: "India"}},
		}
	}
	return out
}

func TestRunPagesAndSkipsExisting(t *testing.T) {
	reg := &fakeRegistry{pages: []registry.StudyPage{
		{Trials: trialsNamed("NCTA", 100), NextPageToken: "p2"},
		{Trials: trialsNamed("NCTB", 100), NextPageToken: "p3"},
	}}
	store := newMemStore("NCTA000", "NCTB050")
	filler := &fakeFiller{}
	ing := New(reg, store, Config{MaxTrials: 150, Geocoder: filler, Logger: zerolog.Nop()})

	sum, err := ing.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, reg.queries, 2)
	assert.Equal(t, 100, reg.queries[0].PageSize)
	assert.Equal(t, 50, reg.queries[1].PageSize)
	assert.Equal(t, "p2", reg.queries[1].PageToken)
	assert.Equal(t, DefaultQuery, reg.queries[0].Condition)
	assert.Equal(t, DefaultPhaseTerm, reg.queries[0].Term)
	assert.Equal(t, []string{registry.StatusRecruiting}, reg.queries[0].Statuses)

	assert.Equal(t, 150, sum.Fetched)
	assert.Equal(t, 149, sum.Inserted)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 149, sum.Geocoded)
	assert.Equal(t, 1, filler.calls)
	assert.Equal(t, "existing", store.trials["NCTA000"].Title)
	assert.NotNil(t, store.trials["NCTA001"].Locations[0].Lat)
}

func TestRunFallsBackToSeed(t *testing.T) {
	store := newMemStore()
	ing := New(&fakeRegistry{err: errors.New("503")}, store, Config{SeedOnEmpty: true})

	sum, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Seeded)
	assert.Equal(t, 3, sum.Inserted)
	assert.Contains(t, store.trials, "NCT04939948")

	empty, err := New(&fakeRegistry{}, newMemStore(), Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, empty)
}

func TestStoreCountsFailuresAndDuplicates(t *testing.T) {
	store := newMemStore()
	store.fail["NCTX001"] = true
	trials := trialsNamed("NCTX", 3)
	trials = append(trials, trials[0])

	sum, err := New(nil, store, Config{}).Store(context.Background(), trials)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Inserted)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Skipped)
}

func TestSeedTrialsAreComplete(t *testing.T) {
	seed := SeedTrials()
	require.Len(t, seed, 3)
	ids := []string{}
	for _, tr := range seed {
		ids = append(ids, tr.NCTID)
		assert.Equal(t, "RECRUITING", tr.Status)
		require.NotEmpty(t, tr.Locations)
		for _, l := range tr.Locations {
			assert.NotNil(t, l.Coordinate(), "%s %s", tr.NCTID, l.Facility)
			assert.Equal(t, "India", l.Country)
		}
	}
	assert.Equal(t, []string{"NCT04939948", "NCT05382286", "NCT04584112"}, ids)

	sum, err := New(nil, newMemStore(), Config{}).Seed(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Seeded)
	assert.Equal(t, 3, sum.Inserted)
}
