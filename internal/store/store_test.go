package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/trialsense/internal/clinical"
)

func newTestStore(t *testing.T) (*SQLStore, *time.Time) {
	t.Helper()
	now := time.Date(2026, 2, 17, 9, 0, 0, 0, time.UTC)
	s, err := Open(context.Background(), Config{
		DSN:   filepath.Join(t.TempDir(), "test.db"),
		Clock: func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, &now
}

func ptr[T any](v T) *T { return &v }

func sampleTrial(id, status string) clinical.TrialRecord {
	return clinical.TrialRecord{
		NCTID:               id,
		Title:               "Sacituzumab govitecan in metastatic TNBC",
		Phase:               "PHASE2, PHASE3",
		Status:              status,
		Conditions:          []string{"Triple Negative Breast Cancer"},
		Interventions:       []string{"Sacituzumab govitecan"},
		EligibilityCriteria: "Inclusion: ECOG 0-1",
		MinAge:              ptr(18),
		Sex:                 "FEMALE",
		Sponsor:             "Gilead Sciences",
		Locations: []clinical.Location{{
			Facility: "Tata Memorial Hospital", City: "Mumbai", Country: "India",
			Lat: ptr(19.0760), Lng: ptr(72.8777),
		}},
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	require.Error(t, err)
}

func TestTrialRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertTrial(ctx, sampleTrial("nct04939948", "RECRUITING")))
	got, err := s.GetTrial(ctx, "NCT04939948")
	require.NoError(t, err)
	assert.Equal(t, "NCT04939948", got.NCTID)
	assert.Equal(t, []string{"Triple Negative Breast Cancer"}, got.Conditions)
	require.NotNil(t, got.MinAge)
	assert.Equal(t, 18, *got.MinAge)
	assert.Nil(t, got.MaxAge)
	require.Len(t, got.Locations, 1)
	assert.InDelta(t, 19.0760, *got.Locations[0].Lat, 1e-9)

	updated := sampleTrial("NCT04939948", "COMPLETED")
	require.NoError(t, s.UpsertTrial(ctx, updated))
	got, err = s.GetTrial(ctx, "NCT04939948")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", got.Status)

	_, err = s.GetTrial(ctx, "NCT00000000")
	assert.True(t, clinical.IsNotFound(err))
}

func TestInsertTrialIfAbsentSkipsExisting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.InsertTrialIfAbsent(ctx, sampleTrial("NCT05382286", "RECRUITING"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertTrialIfAbsent(ctx, sampleTrial("NCT05382286", "TERMINATED"))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetTrial(ctx, "NCT05382286")
	require.NoError(t, err)
	assert.Equal(t, "RECRUITING", got.Status)

	exists, err := s.TrialExists(ctx, "nct05382286")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestListTrialsFiltersByStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, tr := range []clinical.TrialRecord{
		sampleTrial("NCT3", "RECRUITING"),
		sampleTrial("NCT1", "RECRUITING"),
		sampleTrial("NCT2", "COMPLETED"),
	} {
		require.NoError(t, s.UpsertTrial(ctx, tr))
	}

	recruiting, err := s.ListTrials(ctx, "RECRUITING", 0)
	require.NoError(t, err)
	require.Len(t, recruiting, 2)
	assert.Equal(t, "NCT1", recruiting[0].NCTID)

	limited, err := s.ListTrials(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	n, err := s.CountTrials(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSaveAlertsDeduplicatesByDrugAndTitle(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()

	first := clinical.Alert{Drug: "Pembrolizumab", Title: "FDA label update", Category: "REGULATORY", Severity: "high"}
	inserted, err := s.SaveAlerts(ctx, []clinical.Alert{
		first,
		{Drug: "Olaparib", Title: "New phase 3 readout"},
		first,
	})
	require.NoError(t, err)
	require.Len(t, inserted, 2)
	assert.NotZero(t, inserted[0].ID)

	olaparib := inserted[1]
	assert.Equal(t, clinical.CategoryTrialUpdate, olaparib.Category)
	assert.Equal(t, clinical.SeverityLow, olaparib.Severity)
	assert.Equal(t, "Unknown", olaparib.Source)
	assert.Equal(t, now.Format("2006-01-02"), olaparib.Date)
	assert.True(t, olaparib.IsNew)
	assert.Equal(t, []clinical.Citation{}, olaparib.Sources)

	again, err := s.SaveAlerts(ctx, []clinical.Alert{first})
	require.NoError(t, err)
	assert.Empty(t, again)

	exists, err := s.AlertExists(ctx, "Pembrolizumab", "FDA label update")
	require.NoError(t, err)
	assert.True(t, exists)

	sameTitleOtherDrug, err := s.SaveAlerts(ctx, []clinical.Alert{{Drug: "Nivolumab", Title: "FDA label update"}})
	require.NoError(t, err)
	assert.Len(t, sameTitleOtherDrug, 1)
}

func TestListAlertsOrdersUnreadFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	inserted, err := s.SaveAlerts(ctx, []clinical.Alert{
		{Drug: "A", Title: "one", Sources: []clinical.Citation{{Title: "FDA", URL: "https://fda.gov"}}},
		{Drug: "B", Title: "two"},
		{Drug: "C", Title: "three"},
	})
	require.NoError(t, err)
	require.Len(t, inserted, 3)

	n, err := s.MarkAlertsRead(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.MarkAlertsRead(ctx, []int64{inserted[2].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	alerts, err := s.ListAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	assert.Equal(t, []string{"two", "one", "three"}, []string{alerts[0].Title, alerts[1].Title, alerts[2].Title})
	assert.False(t, alerts[2].IsNew)
	assert.Equal(t, "https://fda.gov", alerts[1].Sources[0].URL)

	unread, err := s.ListNewAlerts(ctx)
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	top, err := s.ListAlerts(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestPatientLifecycle(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertTrial(ctx, sampleTrial("NCT04939948", "RECRUITING")))

	p := clinical.Patient{
		ID:   "P1A2B3C4D",
		Name: "Lakshmi R",
		Profile: clinical.PatientProfile{
			Condition:         "triple-negative breast cancer",
			CurrentTreatments: []string{"Pembrolizumab", "none"},
			ECOG:              clinical.ECOG(1),
		},
		Trials: []clinical.SavedTrial{
			{NCTID: "NCT04939948", Title: "Sacituzumab", Match: clinical.TrialMatch{NCTID: "NCT04939948", FitScore: 82}},
			{NCTID: "NCT09999999", Title: "Unknown trial"},
		},
		CreatedAt: *now,
		UpdatedAt: *now,
	}
	require.NoError(t, s.CreatePatient(ctx, p))

	placeholder, err := s.GetTrial(ctx, "NCT09999999")
	require.NoError(t, err)
	assert.Equal(t, "Active", placeholder.Status)
	assert.Equal(t, "All", placeholder.Sex)
	assert.Equal(t, "Unknown", placeholder.Sponsor)

	got, err := s.GetPatient(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lakshmi R", got.Name)
	require.NotNil(t, got.Profile.ECOG)
	require.Len(t, got.Trials, 2)
	assert.Equal(t, "NCT04939948", got.Trials[0].NCTID)
	assert.Equal(t, 82, got.Trials[0].Match.FitScore)

	list, err := s.ListPatients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].TrialCount)
	assert.Equal(t, "triple-negative breast cancer", list[0].Condition)

	require.NoError(t, s.ReplacePatientTrials(ctx, p.ID, []clinical.SavedTrial{{NCTID: "NCT09999999", Title: "Unknown trial"}}))
	got, err = s.GetPatient(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got.Trials, 1)

	got.Profile.Stage = ptr("IV")
	got.UpdatedAt = now.Add(time.Hour)
	require.NoError(t, s.UpdatePatient(ctx, got))
	got, err = s.GetPatient(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "IV", *got.Profile.Stage)

	treatments, err := s.ListCurrentTreatments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Pembrolizumab", "none"}, treatments)

	require.NoError(t, s.DeletePatient(ctx, p.ID))
	_, err = s.GetPatient(ctx, p.ID)
	assert.True(t, clinical.IsNotFound(err))
	assert.True(t, clinical.IsNotFound(s.DeletePatient(ctx, p.ID)))
	assert.True(t, clinical.IsNotFound(s.ReplacePatientTrials(ctx, p.ID, nil)))
	assert.True(t, clinical.IsNotFound(s.UpdatePatient(ctx, clinical.Patient{ID: p.ID})))
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "roundtrip.db")
	ctx := context.Background()

	s1, err := Open(ctx, Config{DSN: dbPath})
	require.NoError(t, err)
	require.NoError(t, s1.UpsertTrial(ctx, sampleTrial("NCT04584112", "RECRUITING")))
	_, err = s1.SaveAlerts(ctx, []clinical.Alert{{Drug: "Trastuzumab", Title: "Label change"}})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, Config{DSN: dbPath})
	require.NoError(t, err)
	defer s2.Close()
	_, err = s2.GetTrial(ctx, "NCT04584112")
	require.NoError(t, err)
	alerts, err := s2.ListAlerts(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}
