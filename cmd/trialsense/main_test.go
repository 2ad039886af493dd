package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/ingest"
	"github.com/joelkehle/trialsense/internal/patients"
)

// run executes one CLI invocation against a fresh app and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&app{})
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("TRIALSENSE_ORACLE_API_KEY", "")
	t.Setenv("TRIALSENSE_STORE_DSN", filepath.Join(dir, "cli.db"))
	t.Setenv("TRIALSENSE_GEOCODE_ENABLED", "false")
	t.Setenv("TRIALSENSE_LOG_LEVEL", "error")
	return dir
}

func writeJSON(t *testing.T, path string, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestCLIPatientLifecycleWithoutOracle(t *testing.T) {
	dir := setupEnv(t)

	out, err := run(t, "ingest", "--seed")
	require.NoError(t, err)
	var summary ingest.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 3, summary.Inserted)

	stage := "IV"
	profilePath := writeJSON(t, filepath.Join(dir, "profile.json"), clinical.PatientProfile{
		Condition:         "triple-negative breast cancer",
		Stage:             &stage,
		CurrentTreatments: []string{"pembrolizumab"},
	})
	matchesPath := writeJSON(t, filepath.Join(dir, "matches.json"), []clinical.TrialMatch{
		{NCTID: "NCT04939948", Title: "Seeded trial", Phase: "PHASE3", Status: "RECRUITING", FitScore: 78, FitCategory: clinical.FitModerate},
	})

	out, err = run(t, "patients", "save", "--name", "Asha Rao", "--profile", profilePath, "--matches", matchesPath)
	require.NoError(t, err)
	var saved struct {
		PatientID string `json:"patient_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &saved))
	require.NotEmpty(t, saved.PatientID)

	out, err = run(t, "patients", "show", saved.PatientID)
	require.NoError(t, err)
	var chart patients.Chart
	require.NoError(t, json.Unmarshal([]byte(out), &chart))
	require.Len(t, chart.Matches, 1)
	assert.Equal(t, 78, chart.Matches[0].FitScore)

	_, err = run(t, "patients", "update-profile", saved.PatientID, "--ecog", "1", "--current-treatments", "olaparib")
	require.NoError(t, err)

	out, err = run(t, "report", "patient", saved.PatientID)
	require.NoError(t, err)
	assert.Contains(t, out, "# Clinical Trial Match Report")
	assert.Contains(t, out, "| ECOG | 1 |")
	assert.Contains(t, out, "NCT04939948")

	htmlPath := filepath.Join(dir, "report.html")
	_, err = run(t, "report", "patient", saved.PatientID, "--out", htmlPath)
	require.NoError(t, err)
	html, err := os.ReadFile(htmlPath)
	require.NoError(t, err)
	assert.Contains(t, string(html), "<table>")

	out, err = run(t, "radar", "alerts")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	out, err = run(t, "radar", "briefing")
	require.NoError(t, err)
	assert.Contains(t, out, "No new updates today.")

	_, err = run(t, "patients", "delete", saved.PatientID)
	require.NoError(t, err)
	_, err = run(t, "patients", "delete", saved.PatientID)
	assert.True(t, clinical.IsNotFound(err))
}

func TestCLIOracleCommandsNeedAPIKey(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "match", "--text", "58M with NSCLC")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestCLIRejectsInvalidConfig(t *testing.T) {
	setupEnv(t)
	t.Setenv("TRIALSENSE_MATCHING_MODE", "offline")
	_, err := run(t, "patients", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matching.mode")
}
